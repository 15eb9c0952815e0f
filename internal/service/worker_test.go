package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/wa-gateway/internal/model"
	"github.com/unclebandit/wa-gateway/internal/queue"
)

// recordingSender stores every request it is asked to send
type recordingSender struct {
	mu   sync.Mutex
	reqs []SendRequest
	done chan struct{}
}

func (s *recordingSender) Send(_ context.Context, req SendRequest) (*model.OutboundMessage, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.done != nil {
		s.done <- struct{}{}
	}
	return &model.OutboundMessage{ID: 1, ExternalID: "wamid.1"}, nil
}

func TestWorker(t *testing.T) {
	sender := &recordingSender{done: make(chan struct{}, 1)}
	q := queue.NewInMemoryQueue()

	worker := NewWorker(sender, q)
	require.NoError(t, worker.Start())

	msgID := 7
	require.NoError(t, q.Publish(SendTopic, SendJob{
		ConversationID: 3,
		MessageID:      &msgID,
		Payload:        model.SendPayload{Type: model.MessageTypeText, Body: "hello"},
	}))

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not process the job")
	}
	q.Wait()

	require.Len(t, sender.reqs, 1)
	req := sender.reqs[0]
	require.Equal(t, 3, req.ConversationID)
	require.Equal(t, 7, *req.MessageID)
	require.Equal(t, model.Text{Body: "hello"}, req.Content)
}

func TestWorker_HandleBrokerPayload(t *testing.T) {
	sender := &recordingSender{}
	worker := NewWorker(sender, queue.NewInMemoryQueue())

	raw, err := json.Marshal(SendJob{
		ConversationID: 5,
		Payload: model.SendPayload{
			Type:     model.MessageTypeTemplate,
			Template: "follow_up",
			Values:   map[int]string{2: "Acme"},
		},
	})
	require.NoError(t, err)

	worker.Handle(context.Background(), json.RawMessage(raw))

	require.Len(t, sender.reqs, 1)
	require.Equal(t, model.TemplateRef{Name: "follow_up", Values: map[int]string{2: "Acme"}}, sender.reqs[0].Content)
}

func TestWorker_DropsInvalidJobs(t *testing.T) {
	sender := &recordingSender{}
	worker := NewWorker(sender, queue.NewInMemoryQueue())

	worker.Handle(context.Background(), json.RawMessage(`{"conversation_id":1,"payload":{"type":"text","body":"  "}}`))
	worker.Handle(context.Background(), json.RawMessage(`not json`))

	require.Empty(t, sender.reqs)
}
