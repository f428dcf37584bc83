package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

var (
	// ErrExitedBeforeReady is returned when the backend exits while it is
	// still being polled.
	ErrExitedBeforeReady = errors.New("backend exited before becoming ready")

	// ErrNotReady is returned when the deadline passes without any response.
	ErrNotReady = errors.New("backend did not become ready")
)

// Poll intervals between readiness requests.
const (
	defaultPollInterval    = 250 * time.Millisecond
	defaultMaxPollInterval = 2 * time.Second
)

// ReadyOptions controls WaitReady.
type ReadyOptions struct {
	// InitialDelay is waited before the first request.
	InitialDelay time.Duration
	// RequestTimeout bounds each individual request.
	RequestTimeout time.Duration
	// Deadline bounds the whole polling phase after InitialDelay. Zero
	// means a single request.
	Deadline time.Duration
	// PollInterval is the first backoff interval. Zero uses 250ms.
	PollInterval time.Duration

	Client *http.Client
	Logger zerolog.Logger
}

// WaitReady polls url until the backend answers. Any HTTP response counts,
// whatever its status: the backend is serving. exited is the backend's
// Done channel; if it closes first, ErrExitedBeforeReady is returned.
func WaitReady(ctx context.Context, url string, opts ReadyOptions, exited <-chan struct{}) error {
	if opts.InitialDelay > 0 {
		timer := time.NewTimer(opts.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-exited:
			timer.Stop()
			return ErrExitedBeforeReady
		case <-timer.C:
		}
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Deadline > 0 {
		pollCtx, cancel = context.WithTimeout(pollCtx, opts.Deadline)
		defer cancel()
	}

	// Stop sleeping between attempts as soon as the backend dies.
	go func() {
		select {
		case <-exited:
			cancel()
		case <-pollCtx.Done():
		}
	}()

	var (
		lastErr  error
		attempts int
	)
	op := func() error {
		select {
		case <-exited:
			return backoff.Permanent(ErrExitedBeforeReady)
		default:
		}
		attempts++
		status, err := probe(pollCtx, client, url, opts.RequestTimeout)
		if err != nil {
			lastErr = err
			return err
		}
		opts.Logger.Debug().Str("url", url).Int("status", status).Int("attempts", attempts).Msg("backend answered")
		return nil
	}

	err := backoff.RetryNotify(op, newPollBackOff(pollCtx, opts), func(err error, next time.Duration) {
		opts.Logger.Debug().Err(err).Dur("retry_in", next).Msg("backend not ready yet")
	})
	if err == nil {
		return nil
	}

	select {
	case <-exited:
		return ErrExitedBeforeReady
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if lastErr == nil {
		lastErr = err
	}
	return fmt.Errorf("%w at %s after %d attempt(s): %v", ErrNotReady, url, attempts, lastErr)
}

func newPollBackOff(ctx context.Context, opts ReadyOptions) backoff.BackOff {
	if opts.Deadline <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.PollInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultPollInterval
	}
	b.MaxInterval = defaultMaxPollInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	// The deadline is enforced by ctx.
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// probe performs one GET and returns the status code of any response.
func probe(ctx context.Context, client *http.Client, url string, timeout time.Duration) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("building readiness request: %w", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}
