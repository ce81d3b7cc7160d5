// Package dispatch implements the Request Dispatcher (RD, spec.md §4.6): a
// named-method registry that serializes requests onto the engine, enforces
// per-request timeouts, and applies a global concurrency cap.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/liliang-cn/hybridstore/internal/apperr"
	"github.com/liliang-cn/hybridstore/pkg/logging"
)

const (
	// DefaultConcurrency is the global cap on outstanding handler
	// invocations (spec.md §4.6 "Concurrency contract").
	DefaultConcurrency = 10
	// DefaultTimeout is the per-call deadline absent a method-specific
	// override (spec.md §4.6, §5 "Cancellation and timeouts").
	DefaultTimeout = 30 * time.Second
)

// Handler validates its own argument and executes one named operation.
// Handlers that touch the Storage Engine should hold the lock returned by
// Dispatcher.LockSE for their SE-touching span (spec.md §5 "Shared resource
// discipline").
type Handler func(ctx context.Context, args any) (any, error)

type handlerEntry struct {
	fn      Handler
	timeout time.Duration
}

// Dispatcher is RD.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]handlerEntry

	seMu sync.Mutex // single logical mutex shared by every SE-touching handler

	sem *semaphore.Weighted

	logger logging.Logger

	initialized    atomic.Bool
	operationCount atomic.Int64
}

// New constructs a Dispatcher with the default concurrency cap.
func New(logger logging.Logger) *Dispatcher {
	return NewWithConcurrency(logger, DefaultConcurrency)
}

// NewWithConcurrency constructs a Dispatcher with a custom concurrency cap,
// mainly for tests that need to observe queuing behavior directly.
func NewWithConcurrency(logger logging.Logger, concurrency int64) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Dispatcher{
		handlers: make(map[string]handlerEntry),
		sem:      semaphore.NewWeighted(concurrency),
		logger:   logger,
	}
}

// Register adds a named method with the default timeout (spec.md §4.6
// "Registration").
func (d *Dispatcher) Register(name string, fn Handler) {
	d.RegisterWithTimeout(name, fn, DefaultTimeout)
}

// RegisterWithTimeout adds a named method with a method-specific timeout
// override (spec.md §5: "default 30 s, per-method override permitted").
func (d *Dispatcher) RegisterWithTimeout(name string, fn Handler, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = handlerEntry{fn: fn, timeout: timeout}
}

// LockSE acquires the single logical mutex every SE-touching handler shares
// (spec.md §4.6, §5). Callers should defer the returned unlock function.
func (d *Dispatcher) LockSE() func() {
	d.seMu.Lock()
	return d.seMu.Unlock
}

// Dispatch routes a call by name, applying the global concurrency cap and
// the method's timeout (spec.md §4.6). Calls to an unregistered method fail
// with UnknownMethod without consuming a concurrency slot.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, args any) (any, error) {
	d.mu.RLock()
	entry, ok := d.handlers[method]
	d.mu.RUnlock()
	if !ok {
		return nil, apperr.NewStoreError(method, apperr.CodeUnknownMethod, apperr.ErrUnknownMethod, nil)
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, apperr.NewStoreError(method, apperr.CodeTimeout, fmt.Errorf("waiting for a concurrency slot: %w", err), nil)
	}
	defer d.sem.Release(1)

	d.operationCount.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, entry.timeout)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := entry.fn(callCtx, args)
		done <- outcome{val, err}
	}()

	select {
	case <-callCtx.Done():
		// Cancellation is cooperative (spec.md §4.6): the handler's own SE
		// call completes on the engine's side and its effects are
		// retained; the caller simply stops waiting for the result.
		return nil, apperr.NewStoreError(method, apperr.CodeTimeout, apperr.ErrTimeout, nil)
	case o := <-done:
		return o.val, o.err
	}
}

// SetInitialized records the process-wide open/close flag (spec.md §4.6
// "State").
func (d *Dispatcher) SetInitialized(v bool) { d.initialized.Store(v) }

// Initialized reports whether open has succeeded and close has not since.
func (d *Dispatcher) Initialized() bool { return d.initialized.Load() }

// OperationCount is the best-effort diagnostic counter spec.md §4.6 names.
func (d *Dispatcher) OperationCount() int64 { return d.operationCount.Load() }

// NotImplemented builds a handler for a method whose interface is
// documented but whose implementation is out of scope for this core
// (spec.md §6: the queue and external model-call surface). It still
// registers under the method's real name so the host's request/response
// shape is exercised end to end.
func NotImplemented(name string) Handler {
	return func(ctx context.Context, args any) (any, error) {
		return nil, apperr.NewStoreError(name, apperr.CodeBadRequest,
			fmt.Errorf("%s is documented but out of scope for this core", name), nil)
	}
}
