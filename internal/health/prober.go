// ABOUTME: Agent health probe: fetches the agent card with a per-call timeout
// ABOUTME: WaitHealthy retries failed probes with exponential backoff until healthy or out of budget

package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/2389/coven-runtime/internal/client"
	"github.com/2389/coven-runtime/internal/protocol"
)

// ErrUnhealthy is returned by WaitHealthy when the retry budget runs out.
var ErrUnhealthy = errors.New("agent did not become healthy")

// Result captures the outcome of a single probe.
type Result struct {
	Healthy bool
	Card    *protocol.Card
	Err     error
	Latency time.Duration
	At      time.Time
}

// Backoff configures retries in WaitHealthy.
type Backoff struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultBackoff is used for zero fields of a Backoff.
var DefaultBackoff = Backoff{
	InitialInterval: 250 * time.Millisecond,
	Multiplier:      2,
	MaxInterval:     5 * time.Second,
	MaxAttempts:     20,
}

// Prober probes agents over HTTP.
type Prober struct {
	http     *http.Client
	timeout  time.Duration
	cardPath string
	backoff  Backoff
}

// NewProber creates a prober. timeout bounds each probe; cardPath defaults
// to the well-known card location.
func NewProber(timeout time.Duration, cardPath string, b Backoff) *Prober {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if cardPath == "" {
		cardPath = protocol.DefaultCardPath
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultBackoff.InitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultBackoff.MaxInterval
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultBackoff.MaxAttempts
	}
	return &Prober{
		http: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		timeout:  timeout,
		cardPath: cardPath,
		backoff:  b,
	}
}

// Probe performs one health check against the agent at endpoint. The agent
// is healthy iff it serves a valid card at cardPath within the timeout. An
// empty cardPath uses the prober's default.
func (p *Prober) Probe(ctx context.Context, endpoint, cardPath string) Result {
	if cardPath == "" {
		cardPath = p.cardPath
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	card, err := client.New(endpoint, client.WithHTTPClient(p.http)).FetchCard(ctx, cardPath)
	return Result{
		Healthy: err == nil,
		Card:    card,
		Err:     err,
		Latency: time.Since(start),
		At:      start,
	}
}

// WaitHealthy probes until the agent is healthy, ctx ends, maxWait elapses
// or the attempt budget is spent. It returns the last result.
func (p *Prober) WaitHealthy(ctx context.Context, endpoint, cardPath string, maxWait time.Duration) (Result, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.backoff.InitialInterval
	eb.Multiplier = p.backoff.Multiplier
	eb.MaxInterval = p.backoff.MaxInterval
	eb.MaxElapsedTime = maxWait
	eb.RandomizationFactor = 0.2

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(p.backoff.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	var last Result
	err := backoff.Retry(func() error {
		last = p.Probe(ctx, endpoint, cardPath)
		if last.Healthy {
			return nil
		}
		return last.Err
	}, b)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return last, ctxErr
		}
		return last, fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	return last, nil
}
