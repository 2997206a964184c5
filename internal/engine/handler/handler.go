// Package handler defines the unit of user work the engine executes and the
// registry that resolves step rows to registered implementations.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/workgraph/workgraph/internal/domain/fault"
	"github.com/workgraph/workgraph/internal/domain/workflow"
)

// Input is everything a handler may read. UpstreamResults is keyed by the
// parent step's name so handlers do not depend on database identifiers.
type Input struct {
	Step            *workflow.WorkflowStep
	TaskContext     map[string]interface{}
	Config          map[string]interface{}
	Inputs          map[string]interface{}
	UpstreamResults map[string]map[string]interface{}
}

// Handler runs one step. The returned map is persisted to the step's results
// column on success. Handlers must respect ctx; the executor derives it from
// the step's timeout.
type Handler interface {
	Call(ctx context.Context, in Input) (map[string]interface{}, error)
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, in Input) (map[string]interface{}, error)

func (f Func) Call(ctx context.Context, in Input) (map[string]interface{}, error) {
	return f(ctx, in)
}

// BackoffError carries a handler-requested retry delay. The executor
// persists the delay to backoff_request_seconds, overriding the exponential
// window for the next retry.
type BackoffError struct {
	Err   error
	Delay time.Duration
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
}

func (e *BackoffError) Unwrap() error { return e.Err }

// RequestBackoff wraps err with an explicit retry delay.
func RequestBackoff(err error, delay time.Duration) error {
	return &BackoffError{Err: err, Delay: delay}
}

// RequestedBackoff extracts a handler-requested delay, if any.
func RequestedBackoff(err error) (time.Duration, bool) {
	var be *BackoffError
	if errors.As(err, &be) {
		return be.Delay, true
	}
	return 0, false
}

// Registry maps (namespace, name) pairs to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func key(namespace, name string) string { return namespace + "/" + name }

func (r *Registry) Register(namespace, name string, h Handler) error {
	if namespace == "" || name == "" {
		return fault.New(fault.CodeValidation, "handler.register", "namespace and name required")
	}
	if h == nil {
		return fault.New(fault.CodeValidation, "handler.register", "nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(namespace, name)
	if _, exists := r.handlers[k]; exists {
		return fault.New(fault.CodeConflict, "handler.register", fmt.Sprintf("handler %q already registered", k))
	}
	r.handlers[k] = h
	return nil
}

func (r *Registry) RegisterFunc(namespace, name string, f Func) error {
	return r.Register(namespace, name, f)
}

func (r *Registry) Resolve(namespace, name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key(namespace, name)]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "handler.resolve",
			fmt.Sprintf("no handler registered for %q", key(namespace, name)))
	}
	return h, nil
}
