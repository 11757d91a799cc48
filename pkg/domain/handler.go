package domain

import "slices"

// HandlerConfig holds the per-endpoint switches read once while a controller
// is initialised.
type HandlerConfig struct {
	// NeedToken enables token checks for every action except the exempt ones.
	NeedToken bool `yaml:"need_token" json:"need_token"`
	// NeedCollection enables collection checks for every action except the exempt ones.
	NeedCollection bool `yaml:"need_collection" json:"need_collection"`
	// CheckRequest runs the request policy (rate limiting, abuse detection).
	CheckRequest bool `yaml:"check_request" json:"check_request"`
	// CheckMethod runs the method policy.
	CheckMethod bool `yaml:"check_method" json:"check_method"`
}

// DefaultAction is the action served when a route does not name one.
const DefaultAction = "index"

// AuthGate lists the actions exempt from the token and collection checks.
type AuthGate struct {
	Exclusion         []string
	CollectionActions []string
}

// TokenExempt reports whether action skips the token check.
func (g AuthGate) TokenExempt(action string) bool {
	return slices.Contains(g.Exclusion, action)
}

// CollectionExempt reports whether action skips the collection check.
func (g AuthGate) CollectionExempt(action string) bool {
	return slices.Contains(g.CollectionActions, action)
}
