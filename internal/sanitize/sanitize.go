// Package sanitize removes credentials from text before it leaves the
// process, e.g. when attaching agent logs to a pull request.
package sanitize

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const masked = "***REDACTED***"

// Mask replaces every occurrence of each token in text with a fixed
// placeholder. Tokens shorter than 8 characters are skipped so common short
// strings never get masked. Masking is idempotent: masking already-masked
// text is a no-op.
func Mask(text string, tokens []string) string {
	for _, tok := range tokens {
		if len(tok) < 8 {
			continue
		}
		text = strings.ReplaceAll(text, tok, masked)
	}
	return text
}

// TokenSource yields credentials that must never appear in published output.
type TokenSource interface {
	Tokens(ctx context.Context) []string
}

// EnvSource reads tokens from environment variables.
type EnvSource struct {
	Vars []string
}

func (s EnvSource) Tokens(context.Context) []string {
	var out []string
	for _, v := range s.Vars {
		if val := os.Getenv(v); val != "" {
			out = append(out, val)
		}
	}
	return out
}

// HostsFileSource scrapes oauth tokens out of the gh CLI's hosts.yml.
type HostsFileSource struct {
	// Path overrides the default ~/.config/gh/hosts.yml location in tests.
	Path string
}

func (s HostsFileSource) Tokens(context.Context) []string {
	path := s.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".config", "gh", "hosts.yml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var hosts map[string]struct {
		OAuthToken string `yaml:"oauth_token"`
		Users      map[string]struct {
			OAuthToken string `yaml:"oauth_token"`
		} `yaml:"users"`
	}
	if err := yaml.Unmarshal(data, &hosts); err != nil {
		return nil
	}
	var out []string
	for _, h := range hosts {
		if h.OAuthToken != "" {
			out = append(out, h.OAuthToken)
		}
		for _, u := range h.Users {
			if u.OAuthToken != "" {
				out = append(out, u.OAuthToken)
			}
		}
	}
	return out
}

// CommandSource asks an external command for a token, e.g. `gh auth token`.
type CommandSource struct {
	Run func(ctx context.Context) (string, error)
}

func (s CommandSource) Tokens(ctx context.Context) []string {
	if s.Run == nil {
		return nil
	}
	out, err := s.Run(ctx)
	if err != nil {
		return nil
	}
	tok := strings.TrimSpace(out)
	if tok == "" {
		return nil
	}
	return []string{tok}
}

// Collect gathers and de-duplicates tokens from all sources.
func Collect(ctx context.Context, sources ...TokenSource) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, src := range sources {
		for _, tok := range src.Tokens(ctx) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}
	return out
}
