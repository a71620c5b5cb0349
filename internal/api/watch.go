package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/hyperengineering/formsync/internal/types"
)

const watchWriteTimeout = 10 * time.Second

// Watch handles GET /collections/{collection}/watch. It upgrades to a
// WebSocket and sends a types.ListResponse with the full ordered
// collection straight away and after every change. Clients never send
// anything; the connection ends when either side closes it.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())
	order, err := parseOrder(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.allowedOrigins),
	})
	if err != nil {
		slog.Warn("websocket upgrade failed", "component", "api", "error", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx once the client
	// goes away.
	ctx := conn.CloseRead(context.Background())

	latest := make(chan []types.Document, 1)
	failed := make(chan error, 1)
	unsubscribe, err := h.store.Subscribe(ctx, collection, order,
		func(docs []types.Document) {
			// Keep only the newest list for a slow client.
			select {
			case <-latest:
			default:
			}
			latest <- docs
		},
		func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	)
	if err != nil {
		slog.Error("watch subscribe failed", "component", "api", "collection", collection, "error", err)
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()

	logger := slog.With("component", "api", "collection", collection, "request_id", GetRequestID(r.Context()))
	logger.Info("watch started")
	defer logger.Info("watch ended")

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case err := <-failed:
			logger.Warn("watch subscription broken", "error", err)
			conn.Close(websocket.StatusInternalError, "subscription failed")
			return
		case docs := <-latest:
			msg, err := json.Marshal(types.ListResponse{Collection: collection, Documents: docs})
			if err != nil {
				logger.Error("encode watch message", "error", err)
				conn.Close(websocket.StatusInternalError, "encode failed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				logger.Debug("watch write failed", "error", err)
				return
			}
		}
	}
}

// originPatterns turns CORS origins into the host patterns
// websocket.Accept expects.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		out = append(out, strings.TrimSuffix(o, "/"))
	}
	return out
}
