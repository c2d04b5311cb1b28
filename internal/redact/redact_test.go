package redact_test

import (
	"reflect"
	"testing"

	"github.com/mubit-ai/codaph/internal/redact"
)

func TestRedactMasksSensitiveKeys(t *testing.T) {
	r := redact.NewDefault()
	in := map[string]any{
		"api_key": "plain-value",
		"nested": map[string]any{
			"password": "hunter2",
			"note":     "nothing secret here",
		},
	}
	out := r.Redact(in)

	if out["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v, want [REDACTED]", out["api_key"])
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map, got %T", out["nested"])
	}
	if nested["password"] != "[REDACTED]" {
		t.Errorf("nested.password = %v, want [REDACTED]", nested["password"])
	}
	if nested["note"] != "nothing secret here" {
		t.Errorf("nested.note was modified: %v", nested["note"])
	}
}

func TestRedactScansValuesForSecretShapedStrings(t *testing.T) {
	r := redact.NewDefault()
	in := map[string]any{
		"log": "calling API with Authorization: Bearer abc123.def456-ghi",
	}
	out := r.Redact(in)
	if out["log"] == in["log"] {
		t.Errorf("expected bearer token to be scrubbed from free-form text, got %v", out["log"])
	}
}

func TestRedactWalksArrays(t *testing.T) {
	r := redact.NewDefault()
	in := map[string]any{
		"items": []any{
			map[string]any{"token": "abc"},
			map[string]any{"token": "def"},
		},
	}
	out := r.Redact(in)
	items, ok := out["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 items, got %v", out["items"])
	}
	for i, it := range items {
		m := it.(map[string]any)
		if m["token"] != "[REDACTED]" {
			t.Errorf("items[%d].token = %v, want [REDACTED]", i, m["token"])
		}
	}
}

func TestRedactIsIdempotent(t *testing.T) {
	r := redact.NewDefault()
	in := map[string]any{
		"secret": "value",
		"text":   "Authorization: Bearer xyz123abc456def789",
	}
	once := r.Redact(in)
	twice := r.Redact(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("redact(redact(x)) != redact(x): %v vs %v", once, twice)
	}
}

func TestRedactDoesNotMutateInput(t *testing.T) {
	r := redact.NewDefault()
	in := map[string]any{"password": "hunter2"}
	_ = r.Redact(in)
	if in["password"] != "hunter2" {
		t.Errorf("input was mutated: %v", in["password"])
	}
}
