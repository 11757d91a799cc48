package policy

import (
	"context"
	"errors"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow permits the request to proceed.
	ActionAllow Action = "allow"
	// ActionBlock terminates the request.
	ActionBlock Action = "block"
	// ActionThrottle terminates the request as rate limited.
	ActionThrottle Action = "throttle"
)

// Decision captures the result from a filter evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Input provides context for policy evaluation.
type Input struct {
	Method    string
	Route     string
	Action    string
	IP        string
	UserAgent string
	Version   string
	HasToken  bool
	// Params are the extracted request parameters. They are passed to Rego
	// but never part of the cache key.
	Params       any
	Entrypoint   string
	DisableCache bool
}

// Filter evaluates a policy decision for a given input.
type Filter interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// Chain composes multiple filters, short-circuiting on terminal decisions.
type Chain struct {
	filters []Filter
}

// NewChain constructs a filter chain.
func NewChain(filters ...Filter) Chain {
	return Chain{filters: append([]Filter(nil), filters...)}
}

// Evaluate executes the chain until a terminal decision is produced.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	for _, filter := range c.filters {
		decision, err := filter.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		if decision.Metadata == nil {
			decision.Metadata = map[string]string{}
		}
		switch decision.Action {
		case ActionAllow:
			// continue evaluating subsequent filters
		case ActionBlock, ActionThrottle:
			return decision, nil
		default:
			return Decision{}, errors.New("unknown policy action")
		}
	}

	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
}

// entrypointFilter evaluates its filter at a fixed decision path.
type entrypointFilter struct {
	filter     Filter
	entrypoint string
}

func (f entrypointFilter) Evaluate(ctx context.Context, input Input) (Decision, error) {
	input.Entrypoint = f.entrypoint
	return f.filter.Evaluate(ctx, input)
}

// NewEntrypointChain evaluates filter once per entrypoint, in order, until one
// decision blocks or throttles. Without entrypoints filter runs once with the
// input unchanged.
func NewEntrypointChain(filter Filter, entrypoints ...string) Chain {
	if len(entrypoints) == 0 {
		return NewChain(filter)
	}
	filters := make([]Filter, 0, len(entrypoints))
	for _, entry := range entrypoints {
		filters = append(filters, entrypointFilter{filter: filter, entrypoint: entry})
	}
	return NewChain(filters...)
}
