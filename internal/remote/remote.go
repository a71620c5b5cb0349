// Package remote defines the capability the sync engine needs from the
// authoritative document store, and the error classes its adapters report.
//
// Adapters live in subpackages: httpstore talks to the formsync document
// service, redisstore keeps documents in Redis. internal/docstore is the
// SQL implementation the document service itself runs on.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/formsync/internal/types"
	"github.com/hyperengineering/formsync/internal/validation"
)

var (
	// ErrUnavailable means the store could not be reached or answered with
	// a transient failure. The operation may succeed later.
	ErrUnavailable = errors.New("remote store unavailable")

	// ErrNotFound means the target document does not exist remotely.
	ErrNotFound = errors.New("remote document not found")

	// ErrAlreadyExists means a create used an id the store already holds.
	ErrAlreadyExists = errors.New("remote document already exists")

	// ErrRejected means the store refused the operation, for example on
	// permission or schema grounds. Retrying will not help.
	ErrRejected = errors.New("remote store rejected operation")

	// ErrInvalidDocument means the document failed boundary validation.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrUnauthorized means the store refused the client's credentials.
	// It says nothing about the document, so the operation stays queued
	// until the credentials are fixed.
	ErrUnauthorized = errors.New("remote store refused credentials")
)

// Store is the authoritative, eventually reachable document store.
//
// Create must keep doc.ID when it is set, so that ids handed out while
// offline stay valid once the create is replayed.
type Store interface {
	Create(ctx context.Context, collection string, doc types.Document) (string, error)
	Update(ctx context.Context, collection, id string, patch types.Patch) error
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string, order types.Order) ([]types.Document, error)
	// Subscribe delivers the full ordered collection on every change until
	// the returned function is called. onError reports a broken
	// subscription; no further onChange calls follow it.
	Subscribe(ctx context.Context, collection string, order types.Order,
		onChange func([]types.Document), onError func(error)) (func(), error)
}

// IsPermanent reports whether err will recur on every retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrInvalidDocument) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists)
}

// IsRetryable reports whether the operation should stay queued. Timeouts,
// network failures, refused credentials and unclassified errors are all
// retryable.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// Unavailable wraps err as a transient failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// CheckDocument validates a document crossing the adapter boundary.
func CheckDocument(doc types.Document) error {
	if errs := validation.ValidateDocument(doc); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDocument, errs[0].Error())
	}
	return nil
}

// CheckPatch validates a patch crossing the adapter boundary.
func CheckPatch(p types.Patch) error {
	if errs := validation.ValidatePatch(p); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDocument, errs[0].Error())
	}
	return nil
}

// Sanitize drops documents that fail validation, logging each one. Remote
// data is never trusted to have the expected shape.
func Sanitize(logger *slog.Logger, collection string, docs []types.Document) []types.Document {
	out := make([]types.Document, 0, len(docs))
	for _, d := range docs {
		if errs := validation.ValidateDocument(d); len(errs) > 0 {
			logger.Warn("dropping invalid remote document",
				"component", "remote",
				"collection", collection,
				"id", d.ID,
				"errors", errs,
			)
			continue
		}
		out = append(out, d)
	}
	return out
}
