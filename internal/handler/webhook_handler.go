package handler

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/wa-gateway/internal/model"
	"github.com/unclebandit/wa-gateway/internal/provider"
	"github.com/unclebandit/wa-gateway/internal/queue"
	"github.com/unclebandit/wa-gateway/internal/repository"
	"github.com/unclebandit/wa-gateway/internal/service"
)

const maxWebhookBody = 1 << 20

// InboundRecorder opens the customer window for inbound messages
type InboundRecorder interface {
	RecordInbound(ctx context.Context, conn model.Connection, msg provider.ParsedMessage) (*model.Conversation, error)
}

// Deduper reports whether a delivery receipt is new. Forget undoes a claim
// for a receipt that could not be queued.
type Deduper interface {
	FirstSeen(ctx context.Context, externalID, status string) (bool, error)
	Forget(ctx context.Context, externalID, status string) error
}

// WebhookHandler receives provider callbacks for one connection per URL:
// /webhooks/{provider}/{connectionID}
type WebhookHandler struct {
	Connections repository.ConnectionRepositoryInterface
	Providers   service.AdapterFactory
	Inbound     InboundRecorder
	Queue       queue.Queue
	// Dedupe is optional. Without it every receipt is published.
	Dedupe Deduper
}

func NewWebhookHandler(connections repository.ConnectionRepositoryInterface, providers service.AdapterFactory, inbound InboundRecorder, q queue.Queue, dedupe Deduper) *WebhookHandler {
	return &WebhookHandler{
		Connections: connections,
		Providers:   providers,
		Inbound:     inbound,
		Queue:       q,
		Dedupe:      dedupe,
	}
}

// Routes mounts GET (subscription handshake) and POST (events).
func (h *WebhookHandler) Routes(r chi.Router) {
	r.Get("/webhooks/{provider}/{connectionID}", h.Handle)
	r.Post("/webhooks/{provider}/{connectionID}", h.Handle)
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	connID, err := strconv.Atoi(chi.URLParam(r, "connectionID"))
	if err != nil {
		http.Error(w, "invalid connection id", http.StatusBadRequest)
		return
	}

	conn, err := h.Connections.GetByID(r.Context(), connID)
	if err != nil {
		log.Println("❌ Error loading connection:", err)
		http.Error(w, "failed to load connection", http.StatusInternalServerError)
		return
	}
	if conn == nil || conn.Provider != chi.URLParam(r, "provider") {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	adapter, err := h.Providers(*conn)
	if err != nil {
		log.Printf("❌ Connection %d is misconfigured: %v", conn.ID, err)
		http.Error(w, "connection misconfigured", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Signatures are computed over the exact bytes received, so verify
	// before anything parses the body.
	result := adapter.VerifyWebhook(provider.WebhookRequest{
		Method:  r.Method,
		Query:   r.URL.Query(),
		Headers: r.Header,
		Body:    body,
	})
	if !result.Valid {
		log.Printf("⛔ Rejected %s webhook for connection %d", r.Method, conn.ID)
		if r.Method == http.MethodGet {
			http.Error(w, "verification failed", http.StatusForbidden)
			return
		}
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, result.Challenge)
		return
	}

	for _, msg := range adapter.ParseMessages(body) {
		if _, err := h.Inbound.RecordInbound(r.Context(), *conn, msg); err != nil {
			log.Println("❌ Error recording inbound message:", err)
			http.Error(w, "failed to record message", http.StatusInternalServerError)
			return
		}
	}

	published := 0
	for _, u := range adapter.ParseStatus(body) {
		claimed := false
		if h.Dedupe != nil {
			first, err := h.Dedupe.FirstSeen(r.Context(), u.ExternalID, string(u.Status))
			if err != nil {
				log.Println("⚠️ Dedupe unavailable, publishing anyway:", err)
			} else if !first {
				continue
			}
			claimed = err == nil
		}
		if err := h.Queue.Publish(queue.StatusTopic, u); err != nil {
			log.Println("❌ Error publishing status update:", err)
			if claimed {
				if ferr := h.Dedupe.Forget(r.Context(), u.ExternalID, string(u.Status)); ferr != nil {
					log.Println("⚠️ Failed to release dedupe key:", ferr)
				}
			}
			http.Error(w, "failed to queue status update", http.StatusInternalServerError)
			return
		}
		published++
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           "ok",
		"status_published": published,
	})
}
