package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/wa-gateway/internal/model"
	"github.com/unclebandit/wa-gateway/internal/provider"
)

func TestInMemoryQueue_PublishWithoutSubscriber(t *testing.T) {
	q := NewInMemoryQueue()
	require.Error(t, q.Publish("nobody", 1))
}

func TestInMemoryQueue_RetriesUntilSuccess(t *testing.T) {
	q := NewInMemoryQueue()
	q.Backoff = time.Millisecond

	var mu sync.Mutex
	calls := 0
	require.NoError(t, q.Subscribe("jobs", func(payload any) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	require.NoError(t, q.Publish("jobs", 42))
	q.Wait()
	require.Equal(t, 3, calls)
}

func TestInMemoryQueue_GivesUpAfterMaxRetries(t *testing.T) {
	q := NewInMemoryQueue()
	q.Backoff = time.Millisecond
	q.MaxRetries = 2

	var mu sync.Mutex
	calls := 0
	require.NoError(t, q.Subscribe("jobs", func(payload any) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("always")
	}))

	require.NoError(t, q.Publish("jobs", "x"))
	q.Wait()
	require.Equal(t, 3, calls)
}

func TestDecode(t *testing.T) {
	want := provider.StatusUpdate{ExternalID: "wamid.1", Status: model.StatusRead}

	var fromValue provider.StatusUpdate
	require.NoError(t, Decode(want, &fromValue))
	require.Equal(t, want.ExternalID, fromValue.ExternalID)

	raw, err := json.Marshal(want)
	require.NoError(t, err)
	var fromJSON provider.StatusUpdate
	require.NoError(t, Decode(json.RawMessage(raw), &fromJSON))
	require.Equal(t, model.StatusRead, fromJSON.Status)
}

type fakeApplier struct {
	mu      sync.Mutex
	fails   int
	applied []provider.StatusUpdate
}

func (f *fakeApplier) ApplyStatus(_ context.Context, u provider.StatusUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return false, errors.New("db unavailable")
	}
	f.applied = append(f.applied, u)
	return true, nil
}

func TestStartStatusSubscriber_RetriesStorageFailures(t *testing.T) {
	q := NewInMemoryQueue()
	q.Backoff = time.Millisecond
	applier := &fakeApplier{fails: 1}
	require.NoError(t, StartStatusSubscriber(q, applier))

	require.NoError(t, q.Publish(StatusTopic, provider.StatusUpdate{ExternalID: "SM1", Status: model.StatusDelivered}))
	q.Wait()

	require.Len(t, applier.applied, 1)
	require.Equal(t, "SM1", applier.applied[0].ExternalID)
}

type fakeForgetter struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeForgetter) Forget(_ context.Context, externalID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, externalID+":"+status)
	return nil
}

func TestStatusSubscriber_DroppedReceiptReleasesDedupe(t *testing.T) {
	q := NewInMemoryQueue()
	q.Backoff = time.Millisecond
	q.MaxRetries = 1
	forgetter := &fakeForgetter{}
	q.DeadLetter = ForgetDroppedStatus(forgetter)

	applier := &fakeApplier{fails: 10}
	require.NoError(t, StartStatusSubscriber(q, applier))

	require.NoError(t, q.Publish(StatusTopic, provider.StatusUpdate{ExternalID: "wamid.9", Status: model.StatusSent}))
	q.Wait()

	require.Empty(t, applier.applied)
	require.Equal(t, []string{"wamid.9:sent"}, forgetter.keys)
}

func TestForgetDroppedStatus_IgnoresOtherTopics(t *testing.T) {
	forgetter := &fakeForgetter{}
	ForgetDroppedStatus(forgetter)("message_sends", map[string]int{"conversation_id": 1}, errors.New("x"))
	require.Empty(t, forgetter.keys)
}
