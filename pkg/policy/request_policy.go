package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/polisai/polis-apikit/pkg/domain"
)

// Mode indicates whether a policy fails open or closed when evaluation errors.
type Mode string

const (
	// ModeFailClosed denies requests when evaluation fails.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen allows requests to continue when evaluation fails.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode validates a configured failure mode. Empty selects ModeFailClosed.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeFailClosed:
		return ModeFailClosed, nil
	case ModeFailOpen:
		return ModeFailOpen, nil
	default:
		return "", fmt.Errorf("unsupported policy failure mode %q", value)
	}
}

// RequestPolicy adapts a Filter to the controller's request policy.
type RequestPolicy struct {
	filter        Filter
	mode          Mode
	includeParams bool
	logger        *slog.Logger
}

// RequestPolicyOptions configure a RequestPolicy.
type RequestPolicyOptions struct {
	Mode Mode
	// IncludeParams exposes request parameters as input.params. Decisions
	// for such inputs are not cached.
	IncludeParams bool
	Logger        *slog.Logger
}

// NewRequestPolicy wraps filter.
func NewRequestPolicy(filter Filter, opts RequestPolicyOptions) *RequestPolicy {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeFailClosed
	}
	return &RequestPolicy{filter: filter, mode: mode, includeParams: opts.IncludeParams, logger: logger}
}

// CheckRequest evaluates the request snapshot. Block decisions wrap
// domain.ErrForbidden, throttle decisions wrap domain.ErrTooManyRequests.
func (p *RequestPolicy) CheckRequest(ctx context.Context, rc *domain.RequestContext) error {
	input := InputFromRequest(rc)
	if p.includeParams {
		input.Params = rc.Params
	}

	decision, err := p.filter.Evaluate(ctx, input)
	if err != nil {
		if p.mode == ModeFailOpen {
			p.logger.WarnContext(ctx, "policy evaluation failed, allowing request", "route", rc.Route, "error", err)
			return nil
		}
		return fmt.Errorf("%w: policy evaluation failed: %v", domain.ErrForbidden, err)
	}

	switch decision.Action {
	case ActionBlock:
		return fmt.Errorf("%w: %s", domain.ErrForbidden, reasonOr(decision.Reason, "blocked by policy"))
	case ActionThrottle:
		return fmt.Errorf("%w: %s", domain.ErrTooManyRequests, reasonOr(decision.Reason, "throttled by policy"))
	default:
		return nil
	}
}

// InputFromRequest builds the policy input for a request snapshot, without params.
func InputFromRequest(rc *domain.RequestContext) Input {
	return Input{
		Method:    rc.Method,
		Route:     rc.Route,
		Action:    routeAction(rc.Route),
		IP:        rc.IP,
		UserAgent: rc.UserAgent,
		Version:   rc.Version,
		HasToken:  rc.HasToken(),
	}
}

// routeAction mirrors the controller's action naming.
func routeAction(route string) string {
	segments := strings.FieldsFunc(route, func(r rune) bool { return r == '/' })
	if len(segments) < 2 {
		return domain.DefaultAction
	}
	return strings.ToLower(segments[len(segments)-1])
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

// LoadModules collects Rego sources from path and an inline module. path may
// name a single file or a directory of .rego files.
func LoadModules(path, inline string) (map[string]string, error) {
	modules := make(map[string]string)
	if strings.TrimSpace(inline) != "" {
		modules["inline.rego"] = inline
	}
	if path == "" {
		return modules, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat policy path %s: %w", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.rego"))
		if err != nil {
			return nil, fmt.Errorf("list policy modules in %s: %w", path, err)
		}
		sort.Strings(files)
	}

	for _, file := range files {
		// #nosec G304 -- policy path is configured by the operator
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read policy module %s: %w", file, err)
		}
		modules[filepath.Base(file)] = string(data)
	}
	return modules, nil
}
