package patterns

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

func TestBulkhead_RejectsWhenFull(t *testing.T) {
	b := NewBulkhead(1, 10*time.Millisecond, "test", "patterns-test")

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Execute(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrBulkheadFull) {
		t.Errorf("Execute() error = %v, want ErrBulkheadFull", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Execute() error = %v", err)
	}

	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("Execute() after release error = %v", err)
	}
}

func TestBulkhead_HonoursContext(t *testing.T) {
	b := NewBulkhead(1, time.Minute, "test", "patterns-test")

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Execute(ctx, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestCircuitBreaker_Trips(t *testing.T) {
	logger := log.New()
	logger.SetOutput(io.Discard)

	cb := NewCircuitBreaker("test", "patterns-test", DefaultBreakerConfig(), logger)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(func() (interface{}, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute() #%d error = %v, want boom", i, err)
		}
	}

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	if !IsRejection(err) {
		t.Errorf("Execute() error = %v, want breaker rejection", err)
	}
	if cb.GetState() != gobreaker.StateOpen.String() {
		t.Errorf("GetState() = %s, want open", cb.GetState())
	}
}

func TestDetached_SurvivesParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	ctx, stop := Detached(parent, time.Second)
	defer stop()

	if err := ctx.Err(); err != nil {
		t.Errorf("detached ctx.Err() = %v, want nil", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		t.Error("detached context has no deadline")
	}
}
