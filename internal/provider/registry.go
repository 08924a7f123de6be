package provider

import "fmt"

// Registry manages registered Host implementations and provides lookup by
// name or URL-based auto-detection.
type Registry struct {
	hosts []Host
}

// NewRegistry creates an empty host registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a Host implementation to the registry.
func (r *Registry) Register(h Host) {
	r.hosts = append(r.hosts, h)
}

// Detect iterates registered hosts and returns the first one whose
// MatchesURL method returns true for the given URL.
func (r *Registry) Detect(url string) (Host, error) {
	for _, h := range r.hosts {
		if h.MatchesURL(url) {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no registered host matches URL: %s", url)
}

// Get looks up a registered host by its Name().
func (r *Registry) Get(name string) (Host, error) {
	for _, h := range r.hosts {
		if h.Name() == name {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no registered host with name: %s", name)
}
