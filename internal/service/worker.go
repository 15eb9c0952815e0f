package service

import (
	"context"
	"log"

	"github.com/unclebandit/wa-gateway/internal/model"
	"github.com/unclebandit/wa-gateway/internal/queue"
)

// SendTopic is the queue that carries asynchronous send requests.
const SendTopic = "message_sends"

// SendJob is the queued form of a SendRequest.
type SendJob struct {
	ConversationID int               `json:"conversation_id"`
	MessageID      *int              `json:"message_id,omitempty"`
	Payload        model.SendPayload `json:"payload"`
}

// Sender is the part of the Dispatcher the worker needs
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*model.OutboundMessage, error)
}

// Worker processes queued send jobs
type Worker struct {
	Sender Sender
	Queue  queue.Queue
	Topic  string
}

// Constructor
func NewWorker(sender Sender, q queue.Queue) *Worker {
	return &Worker{
		Sender: sender,
		Queue:  q,
		Topic:  SendTopic,
	}
}

// Start subscribes to the send topic. Jobs are handed to the dispatcher, which
// owns provider retries, so the handler never asks the queue to redeliver.
func (w *Worker) Start() error {
	return w.Queue.Subscribe(w.Topic, func(payload any) error {
		w.Handle(context.Background(), payload)
		return nil
	})
}

// Handle runs a single job.
func (w *Worker) Handle(ctx context.Context, payload any) {
	var job SendJob
	if err := queue.Decode(payload, &job); err != nil {
		log.Println("Invalid job:", err)
		return
	}

	content, err := job.Payload.Content()
	if err != nil {
		log.Printf("Invalid payload for conversation %d: %v", job.ConversationID, err)
		return
	}

	msg, err := w.Sender.Send(ctx, SendRequest{
		ConversationID: job.ConversationID,
		Content:        content,
		MessageID:      job.MessageID,
	})
	if err != nil {
		log.Printf("Failed to send message on conversation %d: %v", job.ConversationID, err)
		return
	}
	log.Printf("Worker delivered message %d (%s)", msg.ID, msg.ExternalID)
}
