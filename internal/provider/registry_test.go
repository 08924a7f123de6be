package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHost implements just enough of Host for registry tests.
type stubHost struct {
	Host
	name  string
	match string
}

func (s *stubHost) Name() string { return s.name }
func (s *stubHost) MatchesURL(url string) bool {
	return len(url) >= len(s.match) && url[:len(s.match)] == s.match
}

func TestRegistryDetect(t *testing.T) {
	reg := NewRegistry()
	gh := &stubHost{name: "github", match: "https://github.com"}
	sc := &stubHost{name: "sourcecraft", match: "https://sourcecraft.dev"}
	reg.Register(gh)
	reg.Register(sc)

	h, err := reg.Detect("https://sourcecraft.dev/acme/widgets/issues/1")
	require.NoError(t, err)
	assert.Equal(t, "sourcecraft", h.Name())

	h, err = reg.Detect("https://github.com/acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "github", h.Name())

	_, err = reg.Detect("https://example.com/x")
	assert.Error(t, err)
}

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubHost{name: "github"})

	h, err := reg.Get("github")
	require.NoError(t, err)
	assert.Equal(t, "github", h.Name())

	_, err = reg.Get("missing")
	assert.Error(t, err)
}
