package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/formsync/internal/docstore"
	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/snapshot"
	"github.com/hyperengineering/formsync/internal/types"
	"github.com/hyperengineering/formsync/internal/validation"
	"github.com/oklog/ulid/v2"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// DocumentStore is what the handlers need from the backing store.
// *docstore.Store satisfies it.
type DocumentStore interface {
	remote.Store
	Get(ctx context.Context, collection, id string) (types.Document, error)
	Count(ctx context.Context) (int64, error)
	Driver() string
	GetSnapshotPath(ctx context.Context) (string, error)
	LastSnapshot() *time.Time
}

var _ DocumentStore = (*docstore.Store)(nil)

// Handler implements the API handlers
type Handler struct {
	store          DocumentStore
	apiKey         string
	version        string
	allowedOrigins []string
	now            func() time.Time
	presign        func(ctx context.Context) (string, time.Time, error)

	done      chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a Handler over s. allowedOrigins is shared by CORS
// and the WebSocket origin check; empty means same-origin only.
func NewHandler(s DocumentStore, apiKey, version string, allowedOrigins []string) *Handler {
	return &Handler{
		store:          s,
		apiKey:         apiKey,
		version:        version,
		allowedOrigins: allowedOrigins,
		now:            time.Now,
		done:           make(chan struct{}),
	}
}

// UsePresignedSnapshots makes GET /snapshot redirect to a pre-signed
// object storage URL when one is available.
func (h *Handler) UsePresignedSnapshots(u snapshot.Uploader) {
	h.presign = u.PresignedURL
}

// Close ends every open watch with a going-away close frame. Hijacked
// connections are not closed by http.Server.Shutdown, so call it first.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.Count(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Document store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Driver:        h.store.Driver(),
		DocumentCount: count,
		LastSnapshot:  h.store.LastSnapshot(),
	})
}

// ListDocuments handles GET /collections/{collection}/documents
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())
	order, err := parseOrder(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	docs, err := h.store.List(r.Context(), collection, order)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ListResponse{Collection: collection, Documents: docs})
}

// CreateDocument handles POST /collections/{collection}/documents.
// A caller-supplied id is kept; otherwise the server assigns a ULID.
// Missing timestamps are set to the current time.
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())

	var doc types.Document
	if err := decodeBody(w, r, &doc); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if doc.ID == "" {
		doc.ID = ulid.Make().String()
	}
	now := h.now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.ModifiedAt.IsZero() {
		doc.ModifiedAt = doc.CreatedAt
	}
	if errs := validation.ValidateDocument(doc); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Document contains invalid fields", errs)
		return
	}

	id, err := h.store.Create(r.Context(), collection, doc)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	slog.Debug("document created", "component", "api", "collection", collection, "id", id)
	writeJSON(w, http.StatusCreated, types.CreateResponse{ID: id})
}

// GetDocument handles GET /collections/{collection}/documents/{id}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())
	doc, err := h.store.Get(r.Context(), collection, chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// UpdateDocument handles PATCH /collections/{collection}/documents/{id}
func (h *Handler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())

	var patch types.Patch
	if err := decodeBody(w, r, &patch); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if patch.ModifiedAt.IsZero() {
		patch.ModifiedAt = h.now().UTC()
	}
	if errs := validation.ValidatePatch(patch); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Patch contains invalid fields", errs)
		return
	}

	if err := h.store.Update(r.Context(), collection, chi.URLParam(r, "id"), patch); err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteDocument handles DELETE /collections/{collection}/documents/{id}
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())
	if err := h.store.Delete(r.Context(), collection, chi.URLParam(r, "id")); err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Snapshot handles GET /snapshot. It redirects to object storage when
// uploads are configured and otherwise streams the latest local SQLite
// snapshot of the whole store.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	if h.presign != nil {
		u, _, err := h.presign(r.Context())
		switch {
		case err == nil:
			http.Redirect(w, r, u, http.StatusTemporaryRedirect)
			return
		case !errors.Is(err, snapshot.ErrNotConfigured):
			slog.Warn("pre-signed snapshot URL failed, serving local copy", "component", "api", "error", err)
		}
	}

	path, err := h.store.GetSnapshotPath(r.Context())
	if errors.Is(err, docstore.ErrNoSnapshot) {
		w.Header().Set("Retry-After", "60")
		WriteProblem(w, r, http.StatusServiceUnavailable, "Snapshot not yet available")
		return
	}
	if err != nil {
		slog.Error("snapshot lookup failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", `attachment; filename="`+docstore.SnapshotFile+`"`)
	http.ServeFile(w, r, path)
}

// parseOrder reads order_by and direction, defaulting to most recently
// modified first.
func parseOrder(r *http.Request) (types.Order, error) {
	order := types.DefaultOrder
	q := r.URL.Query()
	if v := q.Get("order_by"); v != "" {
		order.Field = types.OrderField(v)
	}
	if v := q.Get("direction"); v != "" {
		order.Direction = types.Direction(v)
	}
	if !order.Valid() {
		return types.Order{}, fmt.Errorf("invalid order %q %q: order_by must be modified_at or created_at, direction asc or desc",
			order.Field, order.Direction)
	}
	return order, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
