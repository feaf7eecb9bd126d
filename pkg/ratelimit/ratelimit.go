// Package ratelimit enforces LLM token and request budgets over fixed
// time windows, scoped per agent or per task. The execution engine
// checks the budget before each completion and records actual usage
// after; this is the coarse quota layer, distinct from the per-tool
// sliding-window RateLimitWrapper in pkg/tool.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scope selects whose budget a check or record applies to.
type Scope string

const (
	// ScopeAgent accumulates usage per agent definition, across every
	// task that agent runs.
	ScopeAgent Scope = "agent"

	// ScopeTask accumulates usage per task execution.
	ScopeTask Scope = "task"
)

// Window is a budget's accounting period. Usage resets when the window
// rolls over; there is no sliding behavior at this layer.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Duration returns the window's length. Unknown windows default to an
// hour rather than failing, matching Rule validation which rejects
// them up front.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

func (w Window) valid() bool {
	switch w {
	case WindowMinute, WindowHour, WindowDay:
		return true
	}
	return false
}

// Rule caps usage inside one window. Zero MaxTokens or MaxRequests
// disables that half of the rule; a rule must cap at least one.
type Rule struct {
	Window      Window `json:"window"`
	MaxTokens   int64  `json:"max_tokens,omitempty"`
	MaxRequests int64  `json:"max_requests,omitempty"`
}

// Config is a budget's rule set. Disabled budgets allow everything.
type Config struct {
	Enabled bool
	Rules   []Rule
}

// Usage is the stored accounting row for one (scope, id, window).
type Usage struct {
	Tokens    int64     `json:"tokens"`
	Requests  int64     `json:"requests"`
	WindowEnd time.Time `json:"window_end"`
}

// expired reports whether the window has rolled over at now.
func (u Usage) expired(now time.Time) bool {
	return u.WindowEnd.Before(now)
}

// Store persists usage rows. Implementations must be safe for
// concurrent use.
type Store interface {
	// Usage returns the current row for (scope, id, window); a row
	// that was never written comes back zero.
	Usage(ctx context.Context, scope Scope, id string, window Window) (Usage, error)
	// Add folds tokens/requests into the row, resetting it first when
	// its window has rolled over. windowEnd seeds a fresh row's
	// expiry.
	Add(ctx context.Context, scope Scope, id string, window Window, tokens, requests int64, windowEnd time.Time) (Usage, error)
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool
	// Reason says which cap was hit when not allowed.
	Reason string
	// RetryAfter is how long until the exhausted window rolls over.
	RetryAfter time.Duration
}

// Budget evaluates a Config against a Store. The mutex serializes
// check/record pairs so two concurrent runs for the same agent cannot
// both slip under the cap.
type Budget struct {
	cfg   Config
	store Store
	mu    sync.Mutex
}

// NewBudget validates cfg and binds it to store.
func NewBudget(cfg Config, store Store) (*Budget, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	for i, rule := range cfg.Rules {
		if !rule.Window.valid() {
			return nil, fmt.Errorf("rule %d: unknown window %q", i, rule.Window)
		}
		if rule.MaxTokens <= 0 && rule.MaxRequests <= 0 {
			return nil, fmt.Errorf("rule %d: caps nothing", i)
		}
		if rule.MaxTokens < 0 || rule.MaxRequests < 0 {
			return nil, fmt.Errorf("rule %d: negative cap", i)
		}
	}
	return &Budget{cfg: cfg, store: store}, nil
}

// Check reports whether (scope, id) still has budget left under every
// rule. It never records usage; call Record after the work is done.
func (b *Budget) Check(ctx context.Context, scope Scope, id string) (Decision, error) {
	if !b.cfg.Enabled {
		return Decision{Allowed: true}, nil
	}
	if id == "" {
		return Decision{}, fmt.Errorf("identifier cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.check(ctx, scope, id, time.Now())
}

func (b *Budget) check(ctx context.Context, scope Scope, id string, now time.Time) (Decision, error) {
	for _, rule := range b.cfg.Rules {
		usage, err := b.store.Usage(ctx, scope, id, rule.Window)
		if err != nil {
			return Decision{}, fmt.Errorf("read usage for %s/%s: %w", scope, rule.Window, err)
		}
		if usage.expired(now) {
			continue
		}
		if rule.MaxTokens > 0 && usage.Tokens >= rule.MaxTokens {
			return exhausted(rule, "token", usage, now), nil
		}
		if rule.MaxRequests > 0 && usage.Requests >= rule.MaxRequests {
			return exhausted(rule, "request", usage, now), nil
		}
	}
	return Decision{Allowed: true}, nil
}

func exhausted(rule Rule, what string, usage Usage, now time.Time) Decision {
	retry := usage.WindowEnd.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Decision{
		Reason:     fmt.Sprintf("%s budget for this %s exhausted", what, rule.Window),
		RetryAfter: retry,
	}
}

// Record folds actual usage into each distinct window the rules use,
// once per window, since rules on the same window share one usage row.
// Callers record after the completion returns so budgets reflect what
// was really spent, not what a check guessed.
func (b *Budget) Record(ctx context.Context, scope Scope, id string, tokens, requests int64) error {
	if !b.cfg.Enabled {
		return nil
	}
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	recorded := make(map[Window]bool)
	for _, rule := range b.cfg.Rules {
		if recorded[rule.Window] {
			continue
		}
		recorded[rule.Window] = true
		windowEnd := now.Add(rule.Window.Duration())
		if _, err := b.store.Add(ctx, scope, id, rule.Window, tokens, requests, windowEnd); err != nil {
			return fmt.Errorf("record usage for %s/%s: %w", scope, rule.Window, err)
		}
	}
	return nil
}
