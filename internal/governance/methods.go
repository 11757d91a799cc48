package governance

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/polisai/polis-apikit/pkg/domain"
)

// MethodAllowList restricts the HTTP methods accepted per route. Routes
// without an entry fall back to the DefaultRoute entry, then to GET and POST.
type MethodAllowList struct {
	mu     sync.RWMutex
	routes map[string][]string
}

var defaultMethods = []string{http.MethodGet, http.MethodPost}

// NewMethodAllowList creates an allow-list from route → methods.
func NewMethodAllowList(routes map[string][]string) *MethodAllowList {
	m := &MethodAllowList{}
	m.Configure(routes)
	return m
}

// Configure replaces the allow-list.
func (m *MethodAllowList) Configure(routes map[string][]string) {
	normalized := make(map[string][]string, len(routes))
	for route, methods := range routes {
		list := make([]string, 0, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				list = append(list, method)
			}
		}
		normalized[route] = list
	}

	m.mu.Lock()
	m.routes = normalized
	m.mu.Unlock()
}

// Allowed returns the methods accepted on route.
func (m *MethodAllowList) Allowed(route string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if methods, ok := m.routes[route]; ok {
		return methods
	}
	if methods, ok := m.routes[DefaultRoute]; ok {
		return methods
	}
	return defaultMethods
}

// CheckMethod implements the controller's method policy.
func (m *MethodAllowList) CheckMethod(_ context.Context, rc *domain.RequestContext) error {
	allowed := m.Allowed(rc.Route)
	if slices.Contains(allowed, rc.Method) {
		return nil
	}
	return fmt.Errorf("%w: %s %s (allowed: %s)", domain.ErrMethodNotAllowed, rc.Method, rc.Route, strings.Join(allowed, ", "))
}
