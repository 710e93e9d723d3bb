package proxy

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

var _ net.Error = fakeTimeoutErr{}

func TestClassifyServerErrorFromStatusCode(t *testing.T) {
	c, msg := Classify(nil, 503)
	if c != "server" || msg == "" {
		t.Fatalf("Classify(nil, 503) = %q, %q", c, msg)
	}
}

func TestClassifyServerErrorWithNonNilErrAndStatus(t *testing.T) {
	// This is the shape UpstreamClient.Call actually returns for a 5xx
	// gateway response: a non-nil error alongside the status code.
	c, msg := Classify(errors.New("upstream returned status 503"), 503)
	if c != "server" || msg == "" {
		t.Fatalf("Classify(err, 503) = %q, %q, want server classifier", c, msg)
	}
}

func TestClassifyNilErrorNonErrorStatus(t *testing.T) {
	c, msg := Classify(nil, 200)
	if c != "" || msg != "" {
		t.Fatalf("Classify(nil, 200) = %q, %q, want empty", c, msg)
	}
}

func TestClassifyContextDeadlineExceeded(t *testing.T) {
	c, _ := Classify(context.DeadlineExceeded, 0)
	if c != "timeout" {
		t.Fatalf("Classify(DeadlineExceeded) = %q, want timeout", c)
	}
}

func TestClassifyNetTimeoutError(t *testing.T) {
	c, _ := Classify(fakeTimeoutErr{}, 0)
	if c != "timeout" {
		t.Fatalf("Classify(net timeout) = %q, want timeout", c)
	}
}

func TestClassifyConnectionRefused(t *testing.T) {
	c, _ := Classify(errors.New("dial tcp 127.0.0.1:1234: connect: connection refused"), 0)
	if c != "connect" {
		t.Fatalf("Classify(connection refused) = %q, want connect", c)
	}
}

func TestClassifyNoSuchHost(t *testing.T) {
	c, _ := Classify(errors.New("dial tcp: lookup example.invalid: no such host"), 0)
	if c != "connect" {
		t.Fatalf("Classify(no such host) = %q, want connect", c)
	}
}

func TestClassifyReadError(t *testing.T) {
	c, _ := Classify(errors.New("unexpected EOF"), 0)
	if c != "read" {
		t.Fatalf("Classify(EOF) = %q, want read", c)
	}
}

func TestClassifyUnknownFallback(t *testing.T) {
	c, msg := Classify(errors.New("something bizarre happened"), 0)
	if c != "unknown" || msg == "" {
		t.Fatalf("Classify(unknown) = %q, %q", c, msg)
	}
}

func TestFriendlyMessageForReturnsTableEntries(t *testing.T) {
	for _, key := range []string{"connect", "timeout", "read", "server", "unknown"} {
		if friendlyMessageFor(key) == "" {
			t.Fatalf("friendlyMessageFor(%q) returned empty", key)
		}
	}
}

func TestClassifyAcceptsDeadlineContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	c, _ := Classify(ctx.Err(), 0)
	if c != "timeout" {
		t.Fatalf("Classify(ctx.Err()) = %q, want timeout", c)
	}
}
