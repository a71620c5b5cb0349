package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hyperengineering/formsync/internal/types"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"unavailable", Unavailable("list", errors.New("dial tcp: refused")), false},
		{"timeout", context.DeadlineExceeded, false},
		{"unknown", errors.New("boom"), false},
		{"rejected", fmt.Errorf("update: %w", ErrRejected), true},
		{"invalid", fmt.Errorf("%w: payload", ErrInvalidDocument), true},
		{"not found", ErrNotFound, true},
		{"already exists", ErrAlreadyExists, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.permanent)
			}
			if got := IsRetryable(tt.err); got == tt.permanent {
				t.Errorf("IsRetryable = %v, want %v", got, !tt.permanent)
			}
		})
	}

	if IsRetryable(nil) {
		t.Error("IsRetryable(nil) = true, want false")
	}
}

func TestUnavailable_KeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Unavailable("create", cause)
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, cause) {
		t.Errorf("Unavailable should wrap both sentinel and cause: %v", err)
	}
}

func TestCheckDocument(t *testing.T) {
	now := time.Now()
	good := types.Document{ID: "a", CreatedAt: now, ModifiedAt: now, Payload: json.RawMessage(`{}`)}
	if err := CheckDocument(good); err != nil {
		t.Errorf("CheckDocument(good) = %v", err)
	}
	bad := good
	bad.Payload = json.RawMessage(`"nope"`)
	if err := CheckDocument(bad); !errors.Is(err, ErrInvalidDocument) {
		t.Errorf("CheckDocument(bad) = %v, want ErrInvalidDocument", err)
	}
}

func TestSanitize_DropsInvalid(t *testing.T) {
	now := time.Now()
	docs := []types.Document{
		{ID: "ok", CreatedAt: now, ModifiedAt: now, Payload: json.RawMessage(`{"a":1}`)},
		{ID: "", CreatedAt: now, ModifiedAt: now, Payload: json.RawMessage(`{}`)},
		{ID: "no-times", Payload: json.RawMessage(`{}`)},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	got := Sanitize(logger, "forms", docs)
	if len(got) != 1 || got[0].ID != "ok" {
		t.Errorf("Sanitize kept %+v, want only ok", got)
	}
}
