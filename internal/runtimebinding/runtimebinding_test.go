package runtimebinding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestLocalRunInline(t *testing.T) {
	l := NewLocal(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := l.RunInline(ctx, func(ctx context.Context, args map[string]any) (any, error) {
		return args["x"], nil
	}, map[string]any{"x": 7})
	if err != nil || got != 7 {
		t.Fatalf("RunInline = (%v,%v), want (7,nil)", got, err)
	}
}

func TestLocalRunDeploymentUnbound(t *testing.T) {
	l := NewLocal(1)
	_, err := l.RunDeployment(context.Background(), "my-deployment", nil, nil)
	var unbound *UnboundDeploymentError
	if !errors.As(err, &unbound) {
		t.Fatalf("RunDeployment error = %v, want *UnboundDeploymentError", err)
	}
}

func TestLocalDispatchRunsAllAndSettlesFutures(t *testing.T) {
	l := NewLocal(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	argSets := []map[string]any{{"i": 0}, {"i": 1}, {"i": 2}}
	futures := l.Dispatch(ctx, func(ctx context.Context, args map[string]any) (any, error) {
		i := args["i"].(int)
		if i == 1 {
			return nil, fmt.Errorf("boom")
		}
		return i * 10, nil
	}, []string{"tag"}, argSets)

	if len(futures) != 3 {
		t.Fatalf("got %d futures, want 3", len(futures))
	}
	for i, f := range futures {
		if f.State() == "pending" {
			t.Fatalf("future[%d] still pending after Dispatch returned", i)
		}
	}
	v, err := futures[0].Wait(ctx)
	if err != nil || v != 0 {
		t.Fatalf("futures[0] = (%v,%v)", v, err)
	}
	if _, err := futures[1].Wait(ctx); err == nil {
		t.Fatalf("futures[1] expected an error")
	}
	if futures[1].State() != "failure" {
		t.Fatalf("futures[1].State() = %q, want failure", futures[1].State())
	}
	if futures[2].State() != "success" {
		t.Fatalf("futures[2].State() = %q, want success", futures[2].State())
	}
}

func TestFutureWaitRespectsContextCancellation(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait on unresolved future = %v, want DeadlineExceeded", err)
	}
}
