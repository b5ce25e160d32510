package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChatClient is the narrow surface this core consumes from the chat platform.
// Calls may fail with *RateLimitError (recoverable, retried with backoff) or
// a hard error (non-recoverable for that call).
type ChatClient interface {
	// PostMessage posts text to a channel, threaded under threadTS when
	// non-empty. The returned message id may be empty even on success; the
	// deliverer records a synthetic id in that case.
	PostMessage(ctx context.Context, channel, threadTS, text string) (messageID string, err error)
	UpdateMessage(ctx context.Context, channel, messageID, text string) error
	DeleteMessage(ctx context.Context, channel, messageID string) error
	UploadFile(ctx context.Context, channel, threadTS, filename string, content []byte) error
}

// RateLimitError signals a recoverable transport rejection.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RateLimitedAfter reports whether err is a rate-limit signal and, if so, how
// long the platform asked us to wait.
func RateLimitedAfter(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

const (
	rateLimitMaxAttempts = 5
	rateLimitBaseDelay   = time.Second
)

// withRateLimitRetry runs fn, retrying with backoff on rate-limit errors.
// onFirstHit fires once, on the first rate-limit hit of this call chain; the
// caller scopes the notice to a single invocation.
func withRateLimitRetry(ctx context.Context, onFirstHit func(), fn func() error) error {
	delay := rateLimitBaseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		wait, limited := RateLimitedAfter(err)
		if !limited {
			return err
		}
		if attempt == 0 && onFirstHit != nil {
			onFirstHit()
		}
		if attempt+1 >= rateLimitMaxAttempts {
			return err
		}
		if wait <= 0 {
			wait = delay
			delay *= 2
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
