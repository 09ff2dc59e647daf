package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedAdapter returns canned responses/errors in order, repeating the
// final entry once the script runs out.
type scriptedAdapter struct {
	mu      sync.Mutex
	script  []scriptStep
	calls   int
	inFly   atomic.Int32
	maxInFly atomic.Int32
	delay   time.Duration
}

type scriptStep struct {
	text string
	err  error
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	cur := a.inFly.Add(1)
	defer a.inFly.Add(-1)
	for {
		prev := a.maxInFly.Load()
		if cur <= prev || a.maxInFly.CompareAndSwap(prev, cur) {
			break
		}
	}
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(a.delay):
		}
	}
	a.mu.Lock()
	i := a.calls
	a.calls++
	if i >= len(a.script) {
		i = len(a.script) - 1
	}
	step := a.script[i]
	a.mu.Unlock()
	if step.err != nil {
		return Response{}, step.err
	}
	return Response{Text: step.text, Usage: TokenStats{PromptTokens: 10, CompletionTokens: 5}}, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestComplete_RetriesTransientThenSucceeds(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{
		{err: ErrorFromHTTPStatus("scripted", 500, "boom", nil)},
		{err: ErrorFromHTTPStatus("scripted", 429, "slow down", nil)},
		{text: "ok"},
	}}
	c := NewClient(adapter, ClientOptions{Model: "m", CacheSize: -1})

	text, usage, err := c.Complete(context.Background(), "p")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "ok" {
		t.Fatalf("text: got %q", text)
	}
	if usage.PromptTokens != 10 {
		t.Fatalf("usage: %+v", usage)
	}
	if got := adapter.callCount(); got != 3 {
		t.Fatalf("calls: got %d want 3", got)
	}
}

func TestComplete_NonRetryableFailsImmediately(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{
		{err: ErrorFromHTTPStatus("scripted", 401, "bad key", nil)},
	}}
	c := NewClient(adapter, ClientOptions{Model: "m", CacheSize: -1})

	_, _, err := c.Complete(context.Background(), "p")
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("want AuthenticationError, got %v", err)
	}
	if got := adapter.callCount(); got != 1 {
		t.Fatalf("calls: got %d want 1", got)
	}
}

func TestComplete_SemaphoreBoundsConcurrency(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{{text: "ok"}}, delay: 20 * time.Millisecond}
	c := NewClient(adapter, ClientOptions{Model: "m", MaxConcurrency: 3, CacheSize: -1})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Complete(context.Background(), "p")
		}()
	}
	wg.Wait()
	if got := adapter.maxInFly.Load(); got > 3 {
		t.Fatalf("in-flight calls exceeded semaphore: %d", got)
	}
}

func TestComplete_MemoizesIdenticalPrompts(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{{text: "ok"}}}
	c := NewClient(adapter, ClientOptions{Model: "m"})

	for i := 0; i < 5; i++ {
		if _, _, err := c.Complete(context.Background(), "same prompt"); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	if got := adapter.callCount(); got != 1 {
		t.Fatalf("calls: got %d want 1 (memoized)", got)
	}
}

var poisSchema = MustSchema(`{
	"type": "object",
	"required": ["pois"],
	"properties": {
		"pois": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "type", "start_line", "end_line"],
				"properties": {
					"name": {"type": "string"},
					"type": {"type": "string"},
					"start_line": {"type": "integer"},
					"end_line": {"type": "integer"},
					"snippet": {"type": "string"}
				}
			}
		}
	}
}`)

func TestCompleteJSON_SelfHealsOnce(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{
		{text: "this is not json"},
		{text: `{"pois": [{"name": "foo", "type": "function", "start_line": 1, "end_line": 2}]}`},
	}}
	c := NewClient(adapter, ClientOptions{Model: "m", CacheSize: -1})

	var out struct {
		POIs []struct {
			Name string `json:"name"`
		} `json:"pois"`
	}
	if err := c.CompleteJSON(context.Background(), "extract", poisSchema, &out); err != nil {
		t.Fatalf("complete json: %v", err)
	}
	if len(out.POIs) != 1 || out.POIs[0].Name != "foo" {
		t.Fatalf("decode: %+v", out)
	}
	if got := adapter.callCount(); got != 2 {
		t.Fatalf("calls: got %d want 2", got)
	}
}

func TestCompleteJSON_SchemaViolationHeals(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{
		{text: `{"pois": [{"name": 42}]}`},
		{text: `{"pois": []}`},
	}}
	c := NewClient(adapter, ClientOptions{Model: "m", CacheSize: -1})

	var out map[string]any
	if err := c.CompleteJSON(context.Background(), "extract", poisSchema, &out); err != nil {
		t.Fatalf("complete json: %v", err)
	}
}

func TestCompleteJSON_ExhaustionReturnsErrUnparseable(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{{text: "not json"}}}
	c := NewClient(adapter, ClientOptions{Model: "m", MaxSelfHeals: 2, CacheSize: -1})

	err := c.CompleteJSON(context.Background(), "extract", poisSchema, nil)
	if !errors.Is(err, ErrUnparseable) {
		t.Fatalf("want ErrUnparseable, got %v", err)
	}
	// 1 initial + 2 self-heals.
	if got := adapter.callCount(); got != 3 {
		t.Fatalf("calls: got %d want 3", got)
	}
}

func TestCompleteJSON_SanitizerRescuesFencedOutput(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{
		{text: "```json\n{\"pois\": [],}\n```"},
	}}
	c := NewClient(adapter, ClientOptions{Model: "m", CacheSize: -1})

	var out map[string]any
	if err := c.CompleteJSON(context.Background(), "extract", poisSchema, &out); err != nil {
		t.Fatalf("complete json: %v", err)
	}
	if got := adapter.callCount(); got != 1 {
		t.Fatalf("calls: got %d want 1 (sanitizer should fix without reprompt)", got)
	}
}

func TestUsageAccumulates(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{{text: "ok"}}}
	c := NewClient(adapter, ClientOptions{Model: "m", CacheSize: -1})

	c.Complete(context.Background(), "a")
	c.Complete(context.Background(), "b")
	u := c.Usage()
	if u.PromptTokens != 20 || u.CompletionTokens != 10 {
		t.Fatalf("usage: %+v", u)
	}
}
