package validation

import (
	"errors"
	"testing"

	"github.com/basket/coordplane/internal/errcode"
)

const taskResultSchema = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"files_changed": {"type": "integer"}
	},
	"required": ["summary"]
}`

func TestValidate_PassesWellFormedPayload(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("task.result", []byte(taskResultSchema)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Validate("task.result", []byte(`{"summary":"done","files_changed":3}`)); err != nil {
		t.Fatalf("expected valid payload to pass, got %v", err)
	}
}

func TestValidate_RejectsMissingRequiredField(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("task.result", []byte(taskResultSchema)); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Validate("task.result", []byte(`{"files_changed":3}`))
	if err == nil {
		t.Fatal("expected validation error for missing required field")
	}
	if errcode.Of(err) != errcode.ConstraintViolation {
		t.Fatalf("expected ConstraintViolation, got %v", errcode.Of(err))
	}
	var ve *Error
	if !errors.As(err, &ve) {
		t.Fatalf("expected a *validation.Error in the chain, got %v", err)
	}
}

func TestValidate_RejectsMalformedJSON(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("task.result", []byte(taskResultSchema)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Validate("task.result", []byte(`{not json`)); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestValidate_UnregisteredKindAlwaysPasses(t *testing.T) {
	r := NewRegistry()
	if err := r.Validate("unregistered.kind", []byte(`{"anything":"goes"}`)); err != nil {
		t.Fatalf("expected unregistered kind to pass through, got %v", err)
	}
}

func TestValidate_EmptyPayloadAlwaysPasses(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("task.result", []byte(taskResultSchema)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Validate("task.result", nil); err != nil {
		t.Fatalf("expected empty payload to pass, got %v", err)
	}
}

func TestHas_ReflectsRegisteredKinds(t *testing.T) {
	r := NewRegistry()
	if r.Has("task.result") {
		t.Fatal("expected Has to be false before Register")
	}
	if err := r.Register("task.result", []byte(taskResultSchema)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Has("task.result") {
		t.Fatal("expected Has to be true after Register")
	}
}
