package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/formsync/internal/validation"
)

// collectionContextKey is the context key for the validated collection
// name.
type collectionContextKey struct{}

// ErrNoCollectionInContext indicates no collection was found in the context.
var ErrNoCollectionInContext = errors.New("no collection in context")

// WithCollection returns a new context with the collection attached.
func WithCollection(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, collectionContextKey{}, name)
}

// CollectionFromContext extracts the collection from the context.
// Returns ErrNoCollectionInContext if not present or empty.
func CollectionFromContext(ctx context.Context) (string, error) {
	name, ok := ctx.Value(collectionContextKey{}).(string)
	if !ok || name == "" {
		return "", ErrNoCollectionInContext
	}
	return name, nil
}

// MustCollectionFromContext extracts the collection or panics.
// Use only when CollectionMiddleware guarantees its presence.
func MustCollectionFromContext(ctx context.Context) string {
	name, err := CollectionFromContext(ctx)
	if err != nil {
		panic("collection not in context: middleware misconfiguration")
	}
	return name
}

// CollectionMiddleware validates the {collection} URL parameter and
// attaches it to the request context.
func CollectionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "collection")
		if verr := validation.ValidateCollection(name); verr != nil {
			WriteProblem(w, r, http.StatusBadRequest, verr.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCollection(r.Context(), name)))
	})
}
