package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"unauthorized", &CallError{StatusCode: 401, Message: "unauthorized"}, ClassAuth},
		{"not found", &CallError{StatusCode: 404, Message: "no such artifact"}, ClassNotFound},
		{"forbidden plain", &CallError{StatusCode: 403, Message: "forbidden"}, ClassAuth},
		{"forbidden rate limit", &CallError{StatusCode: 403, Message: "rate limit exceeded"}, ClassRateLimited},
		{"too many requests", &CallError{StatusCode: 429, Message: "slow down"}, ClassRateLimited},
		{"bad request", &CallError{StatusCode: 400, Message: "missing field"}, ClassValidation},
		{"server error", &CallError{StatusCode: 503, Message: "upstream sad"}, ClassServer},
		{"odd status", &CallError{StatusCode: 418, Message: "teapot"}, ClassUnknown},
		{"timeout message", errors.New("dial tcp: i/o TIMEOUT"), ClassNetwork},
		{"connection reset", errors.New("read: connection reset by peer"), ClassNetwork},
		{"dns failure", errors.New("lookup api.example.com: no such host"), ClassNetwork},
		{"opaque", errors.New("something strange"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Class != tt.want {
				t.Errorf("Classify(%v).Class = %s, want %s", tt.err, got.Class, tt.want)
			}
		})
	}
}

func TestRetryableClasses(t *testing.T) {
	retryable := map[Class]bool{
		ClassRateLimited: true,
		ClassServer:      true,
		ClassNetwork:     true,
	}
	for _, c := range []Class{ClassAuth, ClassNotFound, ClassRateLimited, ClassValidation, ClassServer, ClassNetwork, ClassUnknown} {
		if c.Retryable() != retryable[c] {
			t.Errorf("%s.Retryable() = %v, want %v", c, c.Retryable(), retryable[c])
		}
	}
}

func testGateway(slept *[]time.Duration) *Gateway {
	return &Gateway{
		baseDelay:      time.Second,
		maxDelay:       10 * time.Second,
		attemptTimeout: time.Second,
		sleep: func(_ context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}
}

func TestExecuteRetriesWithDocumentedSchedule(t *testing.T) {
	var slept []time.Duration
	g := testGateway(&slept)

	attempts := 0
	err := g.Execute(context.Background(), Operation{
		Name:   "publish_artifact",
		Target: "job-1",
		Do: func(context.Context) error {
			attempts++
			return &CallError{StatusCode: 429, Message: "rate limited"}
		},
	})

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("delays = %v, want [1s 2s]", slept)
	}
	var cerr *ClassifiedError
	if !errors.As(err, &cerr) || cerr.Class != ClassRateLimited {
		t.Errorf("final error = %v, want rate_limited ClassifiedError", err)
	}
}

func TestExecuteSucceedsOnThirdAttempt(t *testing.T) {
	var slept []time.Duration
	g := testGateway(&slept)

	attempts := 0
	err := g.Execute(context.Background(), Operation{
		Name:   "publish_artifact",
		Target: "job-1",
		Do: func(context.Context) error {
			attempts++
			if attempts < 3 {
				return &CallError{StatusCode: 429, Message: "rate limited"}
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if attempts != 3 || len(slept) != 2 {
		t.Errorf("attempts=%d slept=%v, want 3 attempts and 2 delays", attempts, slept)
	}
}

func TestExecuteAbortsOnNonRetryable(t *testing.T) {
	var slept []time.Duration
	g := testGateway(&slept)

	attempts := 0
	err := g.Execute(context.Background(), Operation{
		Name:   "publish_artifact",
		Target: "job-1",
		Do: func(context.Context) error {
			attempts++
			return &CallError{StatusCode: 401, Message: "unauthorized"}
		},
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for non-retryable", attempts)
	}
	if len(slept) != 0 {
		t.Errorf("non-retryable failure must not sleep, slept %v", slept)
	}
	var cerr *ClassifiedError
	if !errors.As(err, &cerr) || cerr.Class != ClassAuth {
		t.Errorf("final error = %v, want auth ClassifiedError", err)
	}
}

func TestBackoffDelayCaps(t *testing.T) {
	if d := backoffDelay(time.Second, 10*time.Second, 2); d != time.Second {
		t.Errorf("delay before attempt 2 = %s, want 1s", d)
	}
	if d := backoffDelay(time.Second, 10*time.Second, 3); d != 2*time.Second {
		t.Errorf("delay before attempt 3 = %s, want 2s", d)
	}
	if d := backoffDelay(8*time.Second, 10*time.Second, 3); d != 10*time.Second {
		t.Errorf("delay must cap at max, got %s", d)
	}
}
