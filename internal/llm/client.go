package llm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/semaphore"
)

// ClientOptions configures the Client. Zero values take defaults.
type ClientOptions struct {
	Model          string
	MaxConcurrency int           // global in-flight cap; default 8
	CallTimeout    time.Duration // per-call deadline; default 60s
	MaxRetries     int           // transient-failure retries; default 5
	MaxSelfHeals   int           // corrective re-prompts per CompleteJSON; default 2
	CacheSize      int           // prompt memo entries; default 1024, <0 disables
}

func (o *ClientOptions) applyDefaults() {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 8
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.MaxSelfHeals <= 0 {
		o.MaxSelfHeals = 2
	}
	if o.CacheSize == 0 {
		o.CacheSize = 1024
	}
}

// Client wraps a provider adapter with a process-wide concurrency cap,
// transient-failure retries, response sanitation, schema validation with
// self-healing, and a per-run prompt memo.
type Client struct {
	adapter ProviderAdapter
	opts    ClientOptions
	sem     *semaphore.Weighted
	cache   *lru.Cache[string, Response]

	mu    sync.Mutex
	usage TokenStats
}

// NewClient builds a Client around adapter.
func NewClient(adapter ProviderAdapter, opts ClientOptions) *Client {
	opts.applyDefaults()
	c := &Client{
		adapter: adapter,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrency)),
	}
	if opts.CacheSize > 0 {
		// Error only fires for non-positive sizes, which we just excluded.
		c.cache, _ = lru.New[string, Response](opts.CacheSize)
	}
	return c
}

// Usage reports tokens consumed so far.
func (c *Client) Usage() TokenStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Complete issues one completion, blocking on the global semaphore. Retries
// cover 429s, 5xx and timeouts with exponential backoff and jitter.
func (c *Client) Complete(ctx context.Context, prompt string) (string, TokenStats, error) {
	resp, err := c.complete(ctx, Request{Model: c.opts.Model, Prompt: prompt})
	if err != nil {
		return "", TokenStats{}, err
	}
	return resp.Text, resp.Usage, nil
}

func (c *Client) complete(ctx context.Context, req Request) (Response, error) {
	key := c.memoKey(req)
	if c.cache != nil {
		if resp, ok := c.cache.Get(key); ok {
			return resp, nil
		}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Response{}, err
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt, key)
			if hint := RetryAfterHint(lastErr); hint != nil && *hint > delay {
				delay = *hint
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return Response{}, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		resp, err := c.adapter.Complete(callCtx, req)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.usage.Add(resp.Usage)
			c.mu.Unlock()
			if c.cache != nil {
				c.cache.Add(key, resp)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if !IsRetryable(err) {
			return Response{}, err
		}
		log.WithError(err).WithField("attempt", attempt+1).Debug("llm call retry")
	}
	return Response{}, fmt.Errorf("llm call exhausted %d retries: %w", c.opts.MaxRetries, lastErr)
}

// CompleteJSON completes the prompt and decodes the sanitized output into
// out, validating against schema when non-nil. On parse or validation
// failure it re-prompts the model with the error and prior output, up to
// MaxSelfHeals times, then fails with ErrUnparseable.
func (c *Client) CompleteJSON(ctx context.Context, prompt string, schema *jsonschema.Schema, out any) error {
	currentPrompt := prompt
	var lastRaw string
	var lastErr error

	for heal := 0; heal <= c.opts.MaxSelfHeals; heal++ {
		resp, err := c.complete(ctx, Request{Model: c.opts.Model, Prompt: currentPrompt})
		if err != nil {
			return err
		}
		lastRaw = resp.Text

		decodeErr := decodeValidated(resp.Text, schema, out)
		if decodeErr == nil {
			return nil
		}
		lastErr = decodeErr
		// Memoized bad output would short-circuit the heal loop.
		if c.cache != nil {
			c.cache.Remove(c.memoKey(Request{Model: c.opts.Model, Prompt: currentPrompt}))
		}
		currentPrompt = healPrompt(prompt, lastRaw, lastErr)
		log.WithError(lastErr).WithField("heal_attempt", heal+1).Debug("llm self-heal reprompt")
	}
	return fmt.Errorf("after %d self-heal attempts: %v: %w", c.opts.MaxSelfHeals, lastErr, ErrUnparseable)
}

func decodeValidated(raw string, schema *jsonschema.Schema, out any) error {
	clean := Sanitize(raw)
	var generic any
	if err := json.Unmarshal([]byte(clean), &generic); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	if schema != nil {
		if err := schema.Validate(generic); err != nil {
			return fmt.Errorf("schema validation: %w", err)
		}
	}
	if out != nil {
		if err := json.Unmarshal([]byte(clean), out); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
	}
	return nil
}

func healPrompt(original, priorOutput string, cause error) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\nYour previous response could not be used.\n")
	b.WriteString("Error: ")
	b.WriteString(cause.Error())
	b.WriteString("\nPrevious response:\n")
	b.WriteString(priorOutput)
	b.WriteString("\n\nRespond again with ONLY valid JSON matching the requested shape. No prose, no code fences.")
	return b.String()
}

func (c *Client) memoKey(req Request) string {
	h := blake3.New()
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	h.Write([]byte(req.System))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// retryDelay is 500ms * 2^(attempt-1) capped at 8s, with deterministic
// jitter in [0.5, 1.5).
func (c *Client) retryDelay(attempt int, seed string) time.Duration {
	base := 500 * math.Pow(2, float64(attempt-1))
	if base > 8000 {
		base = 8000
	}
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	unit := float64(sum[0]) / 255
	return time.Duration(base*(0.5+unit)) * time.Millisecond
}

// MustSchema compiles a JSON schema document, panicking on error. Schemas
// are package constants, so failures are programmer errors.
func MustSchema(doc string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(doc)); err != nil {
		panic(fmt.Sprintf("add schema resource: %v", err))
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
