package runtimebinding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kapten-dev/kapten/internal/resilience"
)

// DeploymentRunner is the thin seam to whatever external scheduler actually
// launches a deployment (e.g. an ECS RunTask call, a workflow-runner HTTP
// trigger). RemoteBinding wraps it with retry, per-target circuit breaking
// and dispatch throttling; it never talks to the scheduler directly.
type DeploymentRunner func(ctx context.Context, name string, parameters map[string]any, jobVariables map[string]any) (any, error)

// RemoteBinding is a Binding backed by a real deployment runner, used when
// the pipeline's flow-type names a remote scheduler. Grounded on
// cancellation.go's per-execution tracking (here, per deployment target)
// and plugins.go's registry-of-executors pattern.
type RemoteBinding struct {
	runner DeploymentRunner

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker

	retryAttempts int
	retryDelay    time.Duration
	limiter       *resilience.HybridRateLimiter
}

// NewRemoteBinding wires runner behind a circuit breaker per deployment
// target and a hybrid rate limiter bounding concurrent dispatch width.
func NewRemoteBinding(runner DeploymentRunner, retryAttempts int, retryDelay time.Duration, burstCapacity int, refillRate float64, queueSize int, leakRate time.Duration) *RemoteBinding {
	return &RemoteBinding{
		runner:        runner,
		breakers:      make(map[string]*resilience.CircuitBreaker),
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
		limiter:       resilience.NewHybridRateLimiter(burstCapacity, refillRate, queueSize, leakRate),
	}
}

func (b *RemoteBinding) breakerFor(target string) *resilience.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[target]; ok {
		return cb
	}
	cb := resilience.NewCircuitBreakerAdaptive(time.Minute, 12, 5, 0.5, 30*time.Second, 3)
	b.breakers[target] = cb
	return cb
}

// ErrCircuitOpen is returned when a deployment target's circuit breaker has tripped.
type ErrCircuitOpen struct{ Target string }

func (e *ErrCircuitOpen) Error() string { return fmt.Sprintf("runtimebinding: circuit open for %s", e.Target) }

func (b *RemoteBinding) RunDeployment(ctx context.Context, name string, parameters map[string]any, jobVariables map[string]any) (any, error) {
	cb := b.breakerFor(name)
	if !cb.Allow() {
		return nil, &ErrCircuitOpen{Target: name}
	}

	result, err := resilience.Retry(ctx, b.retryAttempts, b.retryDelay, func() (any, error) {
		return b.runner(ctx, name, parameters, jobVariables)
	})
	cb.RecordResult(err == nil)
	return result, err
}

func (b *RemoteBinding) RunInline(ctx context.Context, fn TaskFunc, args map[string]any) (any, error) {
	return fn(ctx, args)
}

func (b *RemoteBinding) Dispatch(ctx context.Context, fn TaskFunc, tags []string, argSets []map[string]any) []*Future {
	futures := make([]*Future, len(argSets))
	for i := range futures {
		futures[i] = newFuture()
	}

	var wg sync.WaitGroup
	for i, args := range argSets {
		i, args := i, args
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.limiter.AllowOrWait(ctx); err != nil {
				futures[i].resolve(nil, err)
				return
			}
			value, err := fn(ctx, args)
			futures[i].resolve(value, err)
		}()
	}
	wg.Wait()
	return futures
}

// Close releases the binding's background rate-limiter workers.
func (b *RemoteBinding) Close() { b.limiter.Stop() }
