package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"tool-factory/internal/config"
	"tool-factory/internal/telemetry"
)

// Class buckets an external-call failure for retry decisions.
type Class string

const (
	ClassAuth        Class = "authentication"
	ClassNotFound    Class = "not_found"
	ClassRateLimited Class = "rate_limited"
	ClassValidation  Class = "validation"
	ClassServer      Class = "server"
	ClassNetwork     Class = "network"
	ClassUnknown     Class = "unknown"
)

// Retryable reports whether an error of this class is worth retrying.
func (c Class) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassServer, ClassNetwork:
		return true
	}
	return false
}

// CallError is how an operation reports an external response failure with a
// known status code. Operations returning any other error type are
// classified by message alone.
type CallError struct {
	StatusCode int
	Message    string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("external call failed: status=%d %s", e.StatusCode, e.Message)
}

// ClassifiedError wraps the final failure of an operation with its class.
type ClassifiedError struct {
	Class   Class
	Status  int
	Message string
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Class, e.Message)
}

var networkHints = []string{"network", "timeout", "connection reset", "host not found", "no such host"}

// Classify maps an operation error to a retry class. Status codes win;
// message substrings identify network failures only when no code is present.
func Classify(err error) *ClassifiedError {
	msg := err.Error()
	var call *CallError
	if errors.As(err, &call) {
		msg = call.Message
		switch {
		case call.StatusCode == 401:
			return &ClassifiedError{Class: ClassAuth, Status: 401, Message: msg}
		case call.StatusCode == 404:
			return &ClassifiedError{Class: ClassNotFound, Status: 404, Message: msg}
		case call.StatusCode == 403:
			if strings.Contains(strings.ToLower(msg), "rate limit") {
				return &ClassifiedError{Class: ClassRateLimited, Status: 403, Message: msg}
			}
			return &ClassifiedError{Class: ClassAuth, Status: 403, Message: msg}
		case call.StatusCode == 429:
			return &ClassifiedError{Class: ClassRateLimited, Status: 429, Message: msg}
		case call.StatusCode == 400 || call.StatusCode == 422:
			return &ClassifiedError{Class: ClassValidation, Status: call.StatusCode, Message: msg}
		case call.StatusCode >= 500:
			return &ClassifiedError{Class: ClassServer, Status: call.StatusCode, Message: msg}
		}
		return &ClassifiedError{Class: ClassUnknown, Status: call.StatusCode, Message: msg}
	}

	lower := strings.ToLower(msg)
	for _, hint := range networkHints {
		if strings.Contains(lower, hint) {
			return &ClassifiedError{Class: ClassNetwork, Message: msg}
		}
	}
	return &ClassifiedError{Class: ClassUnknown, Message: msg}
}

// Operation is one unreliable external call. Target identifies what the call
// acts on (a job id, a bucket key) for logging; it must never contain
// credentials.
type Operation struct {
	Name   string
	Target string
	Do     func(ctx context.Context) error
}

const maxAttempts = 3

// Gateway runs external operations with per-attempt timeouts and bounded
// exponential backoff on retryable failures.
type Gateway struct {
	baseDelay      time.Duration
	maxDelay       time.Duration
	attemptTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

func New(cfg config.Config) *Gateway {
	return &Gateway{
		baseDelay:      cfg.RetryBaseDelay,
		maxDelay:       cfg.RetryMaxDelay,
		attemptTimeout: cfg.GatewayAttemptTimeout,
		sleep:          sleepCtx,
	}
}

// Execute runs op up to maxAttempts times. Non-retryable classifications
// abort on first failure. The returned error is always a *ClassifiedError
// (or a context error if the caller gave up).
func (g *Gateway) Execute(ctx context.Context, op Operation) error {
	var last *ClassifiedError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(g.baseDelay, g.maxDelay, attempt)
			if err := g.sleep(ctx, delay); err != nil {
				return err
			}
		}

		telemetry.GatewayAttempts.Inc()
		attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
		err := op.Do(attemptCtx)
		cancel()

		if err == nil {
			log.Printf("gateway op=%s target=%s attempt=%d ok", op.Name, op.Target, attempt)
			return nil
		}

		last = Classify(err)
		log.Printf("gateway op=%s target=%s attempt=%d failed class=%s detail=%s",
			op.Name, op.Target, attempt, last.Class, last.Message)

		if !last.Class.Retryable() {
			telemetry.GatewayFailures.Inc()
			return last
		}
	}
	telemetry.GatewayFailures.Inc()
	return last
}

// backoffDelay is the wait before attempt n (n >= 2): min(base * 2^(n-2), max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << (attempt - 2)
	if d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
