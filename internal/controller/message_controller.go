package controller

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/wa-gateway/internal/errors"
	"github.com/unclebandit/wa-gateway/internal/model"
	"github.com/unclebandit/wa-gateway/internal/queue"
	"github.com/unclebandit/wa-gateway/internal/service"
	"github.com/unclebandit/wa-gateway/internal/template"
)

// Messenger is the dispatcher surface the send API uses
type Messenger interface {
	Send(ctx context.Context, req service.SendRequest) (*model.OutboundMessage, error)
	WindowStatus(ctx context.Context, conversationID int) (*service.WindowStatus, error)
}

type MessageController struct {
	Messenger Messenger
	Templates *template.Registry
	// Queue receives ?async=true sends. Nil disables async mode.
	Queue queue.Queue
	Topic string
}

func (c *MessageController) Routes(r chi.Router) {
	r.Post("/conversations/{id}/messages", c.SendMessage)
	r.Get("/conversations/{id}/window", c.GetWindow)
	r.Get("/templates", c.ListTemplates)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func conversationID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	return id, err == nil && id > 0
}

// SendMessage sends one message on a conversation. With ?async=true the
// request is validated and queued, and the response is 202.
func (c *MessageController) SendMessage(w http.ResponseWriter, r *http.Request) {
	convID, ok := conversationID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	var body struct {
		model.SendPayload
		MessageID *int `json:"message_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	content, err := body.SendPayload.Content()
	if err != nil {
		writeError(w, appErrors.HTTPStatus(err), err.Error())
		return
	}

	if r.URL.Query().Get("async") == "true" {
		if c.Queue == nil {
			writeError(w, http.StatusServiceUnavailable, "async sending is not enabled")
			return
		}
		job := service.SendJob{
			ConversationID: convID,
			MessageID:      body.MessageID,
			Payload:        model.PayloadOf(content),
		}
		if err := c.Queue.Publish(c.topic(), job); err != nil {
			log.Println("Failed to publish message:", err)
			writeError(w, http.StatusServiceUnavailable, "failed to queue message")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"conversation_id": convID,
			"status":          "queued",
		})
		return
	}

	msg, err := c.Messenger.Send(r.Context(), service.SendRequest{
		ConversationID: convID,
		Content:        content,
		MessageID:      body.MessageID,
	})
	if err != nil {
		resp := map[string]interface{}{"error": err.Error()}
		if msg != nil {
			resp["message"] = msg
		}
		writeJSON(w, appErrors.HTTPStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (c *MessageController) topic() string {
	if c.Topic == "" {
		return service.SendTopic
	}
	return c.Topic
}

func (c *MessageController) GetWindow(w http.ResponseWriter, r *http.Request) {
	convID, ok := conversationID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	status, err := c.Messenger.WindowStatus(r.Context(), convID)
	if err != nil {
		writeError(w, appErrors.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListTemplates returns the approved templates, sorted by name.
func (c *MessageController) ListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": c.Templates.All(),
	})
}
