package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestWithCollection_RoundTrip(t *testing.T) {
	ctx := WithCollection(context.Background(), "forms")

	got, err := CollectionFromContext(ctx)
	if err != nil {
		t.Fatalf("CollectionFromContext: %v", err)
	}
	if got != "forms" {
		t.Errorf("collection = %q, want forms", got)
	}
}

func TestCollectionFromContext_Missing(t *testing.T) {
	if _, err := CollectionFromContext(context.Background()); !errors.Is(err, ErrNoCollectionInContext) {
		t.Errorf("err = %v, want ErrNoCollectionInContext", err)
	}
	if _, err := CollectionFromContext(WithCollection(context.Background(), "")); !errors.Is(err, ErrNoCollectionInContext) {
		t.Errorf("empty name err = %v, want ErrNoCollectionInContext", err)
	}
}

func TestMustCollectionFromContext_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic without a collection")
		}
	}()
	MustCollectionFromContext(context.Background())
}

func TestCollectionMiddleware(t *testing.T) {
	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/c/forms", http.StatusOK, "forms"},
		{"/c/audit_log", http.StatusOK, "audit_log"},
		{"/c/Forms", http.StatusBadRequest, ""},
		{"/c/9lives", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var seen string
			r := chi.NewRouter()
			r.With(CollectionMiddleware).Get("/c/{collection}", func(w http.ResponseWriter, r *http.Request) {
				seen = MustCollectionFromContext(r.Context())
			})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if seen != tt.want {
				t.Errorf("collection = %q, want %q", seen, tt.want)
			}
		})
	}
}
