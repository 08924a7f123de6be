package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// event is one line of the agent's stream-json output. The schema is not
// versioned; unknown fields and types are tolerated and passed through to
// the log without driving state transitions.
type event struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   *streamMessage  `json:"message"`
	Result    string          `json:"result"`
	IsError   bool            `json:"is_error"`
	Usage     *tokenCounts    `json:"usage"`
	Raw       json.RawMessage `json:"-"`
}

type streamMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *tokenCounts    `json:"usage"`
}

type tokenCounts struct {
	InputTokens              int64          `json:"input_tokens"`
	CacheCreationInputTokens int64          `json:"cache_creation_input_tokens"`
	CacheCreation            *cacheCreation `json:"cache_creation"`
	CacheReadInputTokens     int64          `json:"cache_read_input_tokens"`
	OutputTokens             int64          `json:"output_tokens"`
	ServerToolUse            *serverToolUse `json:"server_tool_use"`
}

type cacheCreation struct {
	Ephemeral5mInputTokens int64 `json:"ephemeral_5m_input_tokens"`
	Ephemeral1hInputTokens int64 `json:"ephemeral_1h_input_tokens"`
}

type serverToolUse struct {
	WebSearchRequests int64 `json:"web_search_requests"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

// parseEvent decodes one stream line. A nil return means the line is not
// valid JSON and should only be logged.
func parseEvent(line []byte) *event {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}
	ev.Raw = append(json.RawMessage(nil), line...)
	return &ev
}

// contentBlocks decodes the message content array, tolerating the plain
// string form some message types use.
func (m *streamMessage) contentBlocks() []contentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []contentBlock{{Type: "text", Text: s}}
	}
	return nil
}

// text concatenates the text blocks of a message.
func (m *streamMessage) text() string {
	var sb strings.Builder
	for _, b := range m.contentBlocks() {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

var (
	limitSentinel = regexp.MustCompile(`(?i)\blimit reached\b`)
	// Reset time appears either as "resets <time>" prose or as a trailing
	// "|<epoch>" in the compact sentinel form.
	limitReset = regexp.MustCompile(`(?i)resets?\s+(?:at\s+)?([^\n.]+)|\|\s*(\d{9,})`)
)

// detectLimit reports whether text carries the usage-limit sentinel, and the
// human-readable reset time when one is present.
func detectLimit(text string) (bool, string) {
	if !limitSentinel.MatchString(text) {
		return false, ""
	}
	if m := limitReset.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			return true, strings.TrimSpace(m[1])
		}
		return true, m[2]
	}
	return true, ""
}

// isOverloaded reports whether text carries the transient overload envelope.
func isOverloaded(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "overloaded") &&
		(strings.Contains(lower, "500") || strings.Contains(lower, "overloaded_error") ||
			strings.Contains(lower, "api error"))
}

// isForbidden reports whether text indicates an expired or missing login.
func isForbidden(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "please run /login") ||
		strings.Contains(lower, `"forbidden"`) ||
		strings.Contains(lower, "oauth token has expired")
}
