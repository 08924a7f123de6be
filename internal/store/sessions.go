package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SessionRecord is the persisted state of one agent session, enough to
// resume it later: workspace location, branch, and usage totals.
type SessionRecord struct {
	SessionID    string
	Model        string
	IssueURL     string
	PRURL        string
	Branch       string
	WorkspaceDir string
	StartedAt    time.Time
	EndedAt      time.Time
	TotalTokens  int64
	CostUSD      float64
	LimitReached bool
	LimitResetAt string
	Summary      string
}

// SessionsDir returns the directory holding session documents,
// ~/.local/share/solve/sessions by default.
func SessionsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "solve", "sessions"), nil
}

func sessionPath(dir, id string) string {
	return filepath.Join(dir, id+".md")
}

// SaveSession writes the session document under dir, flock-guarded so a
// resumed engine and a watch-mode engine never interleave writes.
func SaveSession(dir string, rec *SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session record has no session id")
	}
	path := sessionPath(dir, rec.SessionID)
	doc := &Document{
		Frontmatter: map[string]any{
			"session_id":    rec.SessionID,
			"model":         rec.Model,
			"issue_url":     rec.IssueURL,
			"pr_url":        rec.PRURL,
			"branch":        rec.Branch,
			"workspace_dir": rec.WorkspaceDir,
			"started_at":    rec.StartedAt.Format(time.RFC3339),
			"ended_at":      rec.EndedAt.Format(time.RFC3339),
			"total_tokens":  rec.TotalTokens,
			"cost_usd":      rec.CostUSD,
			"limit_reached": rec.LimitReached,
			"limit_reset":   rec.LimitResetAt,
		},
		Body: rec.Summary,
	}
	return WithLock(path, DefaultLockTimeout, func() error {
		return WriteDocument(path, doc)
	})
}

// LoadSession reads one session document by id.
func LoadSession(dir, id string) (*SessionRecord, error) {
	path := sessionPath(dir, id)
	var rec *SessionRecord
	err := WithReadLock(path, DefaultLockTimeout, func() error {
		doc, err := ReadDocument(path)
		if err != nil {
			return err
		}
		rec = fromDocument(doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListSessions returns all session records under dir, most recent first.
func ListSessions(dir string) ([]*SessionRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading sessions dir: %w", err)
	}
	var out []*SessionRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		doc, err := ReadDocument(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, fromDocument(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func fromDocument(doc *Document) *SessionRecord {
	fm := doc.Frontmatter
	rec := &SessionRecord{
		SessionID:    getString(fm, "session_id"),
		Model:        getString(fm, "model"),
		IssueURL:     getString(fm, "issue_url"),
		PRURL:        getString(fm, "pr_url"),
		Branch:       getString(fm, "branch"),
		WorkspaceDir: getString(fm, "workspace_dir"),
		TotalTokens:  getInt64(fm, "total_tokens"),
		LimitReached: getBool(fm, "limit_reached"),
		LimitResetAt: getString(fm, "limit_reset"),
		Summary:      doc.Body,
	}
	if v, ok := fm["cost_usd"].(float64); ok {
		rec.CostUSD = v
	}
	if t, err := time.Parse(time.RFC3339, getString(fm, "started_at")); err == nil {
		rec.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339, getString(fm, "ended_at")); err == nil {
		rec.EndedAt = t
	}
	return rec
}
