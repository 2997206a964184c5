package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/workgraph/workgraph/internal/domain/fault"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	err := r.RegisterFunc("etl", "extract", func(_ context.Context, _ Input) (map[string]interface{}, error) {
		return map[string]interface{}{"rows": 10}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	h, err := r.Resolve("etl", "extract")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	out, err := h.Call(context.Background(), Input{})
	if err != nil || out["rows"] != 10 {
		t.Fatalf("Call: out=%v err=%v", out, err)
	}

	if err := r.Register("etl", "other", nil); !fault.Is(err, fault.CodeValidation) {
		t.Fatalf("nil handler: expected validation, got %v", err)
	}
	if err := r.Register("", "extract", h); !fault.Is(err, fault.CodeValidation) {
		t.Fatalf("empty namespace: expected validation, got %v", err)
	}
	if err := r.Register("etl", "extract", Func(func(_ context.Context, _ Input) (map[string]interface{}, error) {
		return nil, nil
	})); !fault.Is(err, fault.CodeConflict) {
		t.Fatalf("duplicate: expected conflict, got %v", err)
	}
	if _, err := r.Resolve("etl", "missing"); !fault.Is(err, fault.CodeNotFound) {
		t.Fatalf("missing: expected not_found, got %v", err)
	}
}

func TestRequestedBackoff(t *testing.T) {
	base := errors.New("rate limited")
	err := RequestBackoff(base, 45*time.Second)

	delay, ok := RequestedBackoff(err)
	if !ok || delay != 45*time.Second {
		t.Fatalf("expected 45s backoff, got %v ok=%v", delay, ok)
	}
	if !errors.Is(err, base) {
		t.Fatalf("wrapped error lost")
	}

	if _, ok := RequestedBackoff(base); ok {
		t.Fatalf("plain error should carry no backoff")
	}
}
