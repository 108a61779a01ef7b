package alerting

import "sync"

// Router maps alert types to webhook URLs. Types without an explicit
// route fall back to the default route.
type Router struct {
	mu       sync.RWMutex
	routes   map[string][]string
	fallback []string
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string][]string)}
}

// Register appends URLs for one alert type.
func (r *Router) Register(alertType string, urls ...string) {
	r.mu.Lock()
	r.routes[alertType] = append(r.routes[alertType], urls...)
	r.mu.Unlock()
}

// RegisterDefault appends URLs receiving every otherwise unrouted type.
func (r *Router) RegisterDefault(urls ...string) {
	r.mu.Lock()
	r.fallback = append(r.fallback, urls...)
	r.mu.Unlock()
}

// Targets resolves the URLs for an alert type.
func (r *Router) Targets(alertType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if urls, ok := r.routes[alertType]; ok && len(urls) > 0 {
		return append([]string(nil), urls...)
	}
	return append([]string(nil), r.fallback...)
}
