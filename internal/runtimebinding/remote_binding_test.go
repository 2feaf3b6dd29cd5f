package runtimebinding

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRemoteBindingRunDeploymentSuccess(t *testing.T) {
	calls := 0
	runner := func(ctx context.Context, name string, parameters, jobVariables map[string]any) (any, error) {
		calls++
		return "done", nil
	}
	b := NewRemoteBinding(runner, 3, time.Millisecond, 10, 10, 10, time.Millisecond)
	defer b.Close()

	got, err := b.RunDeployment(context.Background(), "flow-a", nil, nil)
	if err != nil || got != "done" {
		t.Fatalf("RunDeployment = (%v,%v)", got, err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRemoteBindingRunDeploymentRetriesThenSucceeds(t *testing.T) {
	calls := 0
	runner := func(ctx context.Context, name string, parameters, jobVariables map[string]any) (any, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}
	b := NewRemoteBinding(runner, 3, time.Millisecond, 10, 10, 10, time.Millisecond)
	defer b.Close()

	got, err := b.RunDeployment(context.Background(), "flow-b", nil, nil)
	if err != nil || got != "ok" {
		t.Fatalf("RunDeployment = (%v,%v)", got, err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRemoteBindingDispatchResolvesAllFutures(t *testing.T) {
	runner := func(ctx context.Context, name string, parameters, jobVariables map[string]any) (any, error) {
		return nil, nil
	}
	b := NewRemoteBinding(runner, 1, time.Millisecond, 10, 100, 10, time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	argSets := []map[string]any{{"i": 0}, {"i": 1}}
	futures := b.Dispatch(ctx, func(ctx context.Context, args map[string]any) (any, error) {
		return args["i"], nil
	}, nil, argSets)

	for i, f := range futures {
		v, err := f.Wait(ctx)
		if err != nil {
			t.Fatalf("future[%d] error: %v", i, err)
		}
		if v != i {
			t.Fatalf("future[%d] = %v, want %d", i, v, i)
		}
	}
}
