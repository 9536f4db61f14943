package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKinds(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		kind Kind
		msg  string
	}{
		{"validation", Validation("enqueue", cause), KindValidation, "validation: enqueue: boom"},
		{"processing", Processing("", cause), KindProcessing, "processing: boom"},
		{"delivery", Delivery("send", cause), KindDelivery, "delivery: send: boom"},
		{"fatal config", FatalConfigf("dispatch", "no handler for %s", "x"), KindFatalConfig, "fatal_config: dispatch: no handler for x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !IsKind(tt.err, tt.kind) {
				t.Errorf("IsKind(%v, %v) = false", tt.err, tt.kind)
			}
			if got := tt.err.Error(); got != tt.msg {
				t.Errorf("Error() = %q, want %q", got, tt.msg)
			}
		})
	}
}

func TestKindThroughWrapping(t *testing.T) {
	cause := errors.New("root")
	err := fmt.Errorf("outer: %w", Delivery("post", cause))

	if KindOf(err) != KindDelivery {
		t.Errorf("KindOf() = %v, want %v", KindOf(err), KindDelivery)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the root cause")
	}
	if KindOf(cause) != 0 {
		t.Errorf("KindOf(plain) = %v, want 0", KindOf(cause))
	}
}

func TestNilCause(t *testing.T) {
	if Validation("op", nil) != nil {
		t.Error("Validation(nil) should be nil")
	}
}
