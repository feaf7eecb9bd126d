package tool

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/restflow/restflow/pkg/rferrors"
)

// Wrapper decorates a Tool, intercepting Execute. Wrappers compose: the
// outermost wrapper registered runs first.
type Wrapper func(Tool) Tool

// Wrap applies wrappers to t in order, so the first wrapper passed is
// outermost.
func Wrap(t Tool, wrappers ...Wrapper) Tool {
	for i := len(wrappers) - 1; i >= 0; i-- {
		t = wrappers[i](t)
	}
	return t
}

type timeoutTool struct {
	inner   Tool
	timeout time.Duration
}

// TimeoutWrapper cancels execution if it exceeds timeout, surfacing a
// Resource-kind error rather than letting the tool hang the agent
// turn.
func TimeoutWrapper(timeout time.Duration) Wrapper {
	return func(inner Tool) Tool { return &timeoutTool{inner: inner, timeout: timeout} }
}

func (t *timeoutTool) Name() string                       { return t.inner.Name() }
func (t *timeoutTool) Description() string                { return t.inner.Description() }
func (t *timeoutTool) ParametersSchema() map[string]any    { return t.inner.ParametersSchema() }
func (t *timeoutTool) SupportsParallel(a json.RawMessage) bool { return t.inner.SupportsParallel(a) }

func (t *timeoutTool) Execute(ctx context.Context, args json.RawMessage) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := t.inner.Execute(ctx, args)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return Output{}, rferrors.New(rferrors.Resource, "tool "+t.inner.Name()+" exceeded timeout "+t.timeout.String())
	}
}

// slidingWindow tracks call timestamps within the last window for one
// (tool, principal) key, evicting stale entries lazily on each check.
type slidingWindow struct {
	mu        sync.Mutex
	hits      *list.List // of time.Time, oldest first
	limit     int
	window    time.Duration
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{hits: list.New(), limit: limit, window: window}
}

// allow reports whether a new call is permitted now, and if so records it.
func (w *slidingWindow) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	for e := w.hits.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			w.hits.Remove(e)
		}
		e = next
	}

	if w.hits.Len() >= w.limit {
		return false
	}
	w.hits.PushBack(now)
	return true
}

type rateLimitTool struct {
	inner     Tool
	limit     int
	window    time.Duration
	principal func(args json.RawMessage) string

	mu       sync.Mutex
	windows  map[string]*slidingWindow
}

// RateLimitWrapper enforces a sliding-window request count per (tool,
// principal): at most limit calls in any trailing window-length
// interval. principal extracts the caller identity from the call
// arguments; it may ignore its argument and return a constant to apply a
// single shared limit.
func RateLimitWrapper(limit int, window time.Duration, principal func(args json.RawMessage) string) Wrapper {
	return func(inner Tool) Tool {
		return &rateLimitTool{
			inner:     inner,
			limit:     limit,
			window:    window,
			principal: principal,
			windows:   make(map[string]*slidingWindow),
		}
	}
}

func (t *rateLimitTool) Name() string                    { return t.inner.Name() }
func (t *rateLimitTool) Description() string             { return t.inner.Description() }
func (t *rateLimitTool) ParametersSchema() map[string]any { return t.inner.ParametersSchema() }
func (t *rateLimitTool) SupportsParallel(a json.RawMessage) bool { return t.inner.SupportsParallel(a) }

func (t *rateLimitTool) windowFor(key string) *slidingWindow {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[key]
	if !ok {
		w = newSlidingWindow(t.limit, t.window)
		t.windows[key] = w
	}
	return w
}

func (t *rateLimitTool) Execute(ctx context.Context, args json.RawMessage) (Output, error) {
	principal := "*"
	if t.principal != nil {
		principal = t.principal(args)
	}
	key := t.inner.Name() + ":" + principal
	if !t.windowFor(key).allow(time.Now()) {
		return Output{}, rferrors.New(rferrors.Policy, "rate limit exceeded for "+key)
	}
	return t.inner.Execute(ctx, args)
}
