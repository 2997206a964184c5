package main

import (
	"context"
	"time"

	"github.com/workgraph/workgraph/internal/engine/handler"
	"github.com/workgraph/workgraph/internal/platform/logger"
)

// registerBuiltins installs the core utility handlers every deployment gets.
// Domain handlers are registered by embedding this worker in your own main.
func registerBuiltins(registry *handler.Registry, log *logger.Logger) {
	must := func(err error) {
		if err != nil {
			log.Fatal("builtin handler registration failed", "error", err)
		}
	}

	must(registry.RegisterFunc("core", "noop", func(_ context.Context, _ handler.Input) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	}))

	// echo copies inputs to results, useful for wiring smoke tests.
	must(registry.RegisterFunc("core", "echo", func(_ context.Context, in handler.Input) (map[string]interface{}, error) {
		out := map[string]interface{}{}
		for k, v := range in.Inputs {
			out[k] = v
		}
		return out, nil
	}))

	// sleep waits for config.seconds, respecting the step deadline.
	must(registry.RegisterFunc("core", "sleep", func(ctx context.Context, in handler.Input) (map[string]interface{}, error) {
		seconds, _ := in.Config["seconds"].(float64)
		select {
		case <-time.After(time.Duration(seconds * float64(time.Second))):
			return map[string]interface{}{"slept_seconds": seconds}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
}
