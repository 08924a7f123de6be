package provider

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeURL canonicalises a target URL: forces https, lower-cases the
// hostname, and strips trailing slashes. It rejects embedded whitespace and
// inputs that do not start with an ASCII letter, digit, or scheme.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty URL")
	}
	if strings.ContainsAny(raw, " \t\n\r") {
		return "", fmt.Errorf("URL contains whitespace: %q", raw)
	}
	if c := raw[0]; c >= 0x80 || !(c == 'h' || c == 'H' || isAlnum(c)) {
		// Scheme-less inputs must start with an alphanumeric host segment.
		if !isAlnum(c) {
			return "", fmt.Errorf("URL starts with invalid character: %q", raw)
		}
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	raw = strings.Replace(raw, "http://", "https://", 1)

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("URL has no hostname: %q", raw)
	}
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.Fragment = ""
	u.RawQuery = ""
	return u.String(), nil
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// ParseTarget implements the shared URL grammar over an already-matched host:
// /<owner>, /<owner>/<repo>, /<owner>/<repo>/<kind>/<id>. The kinds map
// translates host path segments ("issues", "pull", "pullrequests") into
// canonical kinds. Numeric ids are coerced to Number; others are kept as Slug.
func ParseTarget(raw, providerName string, kinds map[string]Kind) (*TargetURL, error) {
	normalized, err := NormalizeURL(raw)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	t := &TargetURL{
		Provider:   providerName,
		Normalized: normalized,
	}

	switch {
	case len(parts) == 1 && parts[0] != "":
		t.Kind = KindOwner
		t.Owner = parts[0]
	case len(parts) == 2:
		t.Kind = KindRepo
		t.Owner, t.Repo = parts[0], parts[1]
	case len(parts) >= 4:
		t.Owner, t.Repo = parts[0], parts[1]
		kind, ok := kinds[parts[2]]
		if !ok {
			t.Kind = KindOther
			return t, nil
		}
		t.Kind = kind
		id := parts[3]
		if n, err := strconv.Atoi(id); err == nil {
			t.Number = n
		} else {
			t.Slug = id
		}
	default:
		t.Kind = KindOther
	}

	if t.Owner == "" {
		return nil, fmt.Errorf("URL has no owner segment: %q", raw)
	}
	return t, nil
}
