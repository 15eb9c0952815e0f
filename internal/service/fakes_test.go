package service

import (
	"context"
	"sync"
	"time"

	appErrors "github.com/unclebandit/wa-gateway/internal/errors"
	"github.com/unclebandit/wa-gateway/internal/model"
	"github.com/unclebandit/wa-gateway/internal/provider"
	"github.com/unclebandit/wa-gateway/internal/repository"
	"github.com/unclebandit/wa-gateway/internal/template"
	"github.com/unclebandit/wa-gateway/internal/window"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeConversations struct {
	mu    sync.Mutex
	convs map[int]*model.Conversation
}

var _ repository.ConversationRepositoryInterface = (*fakeConversations)(nil)

func (f *fakeConversations) GetByID(_ context.Context, id int) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, appErrors.NewConversationNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConversations) RecordInbound(_ context.Context, businessID int, phone string, at time.Time) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.BusinessID == businessID && c.CustomerPhone == phone {
			if c.LastCustomerMessageAt == nil || at.After(*c.LastCustomerMessageAt) {
				c.LastCustomerMessageAt = &at
			}
			cp := *c
			return &cp, nil
		}
	}
	c := &model.Conversation{ID: len(f.convs) + 1, BusinessID: businessID, CustomerPhone: phone, LastCustomerMessageAt: &at}
	f.convs[c.ID] = c
	cp := *c
	return &cp, nil
}

type fakeConnections struct {
	businesses  map[int]*model.Business
	connections map[int]*model.Connection
}

var _ repository.ConnectionRepositoryInterface = (*fakeConnections)(nil)

func (f *fakeConnections) GetBusiness(_ context.Context, id int) (*model.Business, error) {
	return f.businesses[id], nil
}

func (f *fakeConnections) GetByBusinessID(_ context.Context, businessID int) (*model.Connection, error) {
	for _, c := range f.connections {
		if c.BusinessID == businessID {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeConnections) GetByID(_ context.Context, id int) (*model.Connection, error) {
	return f.connections[id], nil
}

type fakeMessages struct {
	mu       sync.Mutex
	nextID   int
	messages map[int]*model.OutboundMessage
	statuses []string
}

var _ repository.OutboundMessageRepositoryInterface = (*fakeMessages)(nil)

func newFakeMessages() *fakeMessages {
	return &fakeMessages{messages: map[int]*model.OutboundMessage{}}
}

func (f *fakeMessages) Create(_ context.Context, msg *model.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	cp := *msg
	f.messages[msg.ID] = &cp
	return nil
}

func (f *fakeMessages) Update(_ context.Context, msg *model.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *msg
	f.messages[msg.ID] = &cp
	return nil
}

func (f *fakeMessages) GetByID(_ context.Context, id int) (*model.OutboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessages) UpdateDeliveryStatus(_ context.Context, externalID string, status model.DeliveryStatus, lastError string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ExternalID != externalID {
			continue
		}
		if targetRank(status) <= currentRank(m.DeliveryStatus) {
			return false, nil
		}
		m.DeliveryStatus = status
		if lastError != "" {
			m.LastError = lastError
		}
		return true, nil
	}
	return false, appErrors.NewMessageNotFound(externalID)
}

// Mirrors the ranking in OutboundMessageRepository.UpdateDeliveryStatus.
func currentRank(s model.DeliveryStatus) int {
	if s == model.StatusFailed {
		return 4
	}
	return targetRank(s)
}

func targetRank(s model.DeliveryStatus) int {
	switch s {
	case model.StatusSent:
		return 1
	case model.StatusDelivered, model.StatusFailed:
		return 2
	case model.StatusRead:
		return 3
	}
	return 0
}

func (f *fakeMessages) CountByStatus(_ context.Context, conversationID int) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := map[string]int{"total": 0}
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			stats[string(m.DeliveryStatus)]++
			stats["total"]++
		}
	}
	return stats, nil
}

func (f *fakeMessages) all() []*model.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.OutboundMessage, 0, len(f.messages))
	for i := 1; i <= f.nextID; i++ {
		if m, ok := f.messages[i]; ok {
			out = append(out, m)
		}
	}
	return out
}

// call records one adapter invocation.
type call struct {
	Kind string
	To   string
	Body string
}

// fakeAdapter answers each send with the next scripted result, repeating the
// last one when the script runs out.
type fakeAdapter struct {
	mu      sync.Mutex
	results []provider.Result
	calls   []call
}

var _ provider.Adapter = (*fakeAdapter)(nil)

func (a *fakeAdapter) next(kind, to, body string) provider.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call{Kind: kind, To: to, Body: body})
	if len(a.results) == 0 {
		return provider.Result{Success: true, MessageID: "ext-1", StatusCode: 200}
	}
	res := a.results[0]
	if len(a.results) > 1 {
		a.results = a.results[1:]
	}
	return res
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) SendText(_ context.Context, to, body string) provider.Result {
	return a.next("text", to, body)
}

func (a *fakeAdapter) SendImage(_ context.Context, to, imageURL, caption string) provider.Result {
	return a.next("image", to, imageURL)
}

func (a *fakeAdapter) SendButtons(_ context.Context, to, body string, _ []model.Button) provider.Result {
	return a.next("buttons", to, body)
}

func (a *fakeAdapter) SendList(_ context.Context, to, body string, _ []model.ListSection, _ string) provider.Result {
	return a.next("list", to, body)
}

func (a *fakeAdapter) ParseWebhook([]byte) *provider.ParsedMessage {
	return nil
}

func (a *fakeAdapter) ParseMessages([]byte) []provider.ParsedMessage {
	return nil
}

func (a *fakeAdapter) ParseStatus([]byte) []provider.StatusUpdate {
	return nil
}

func (a *fakeAdapter) VerifyWebhook(provider.WebhookRequest) provider.VerifyResult {
	return provider.VerifyResult{}
}

type fixture struct {
	dispatcher    *Dispatcher
	conversations *fakeConversations
	messages      *fakeMessages
	adapter       *fakeAdapter
	sleeps        []time.Duration
}

// newFixture builds a dispatcher over conversation 1, whose customer last
// wrote in lastInbound before testNow. A negative value means never.
func newFixture(lastInbound time.Duration, results ...provider.Result) *fixture {
	f := &fixture{
		conversations: &fakeConversations{convs: map[int]*model.Conversation{}},
		messages:      newFakeMessages(),
		adapter:       &fakeAdapter{results: results},
	}
	conv := &model.Conversation{ID: 1, BusinessID: 10, CustomerPhone: "+15551234567"}
	if lastInbound >= 0 {
		at := testNow.Add(-lastInbound)
		conv.LastCustomerMessageAt = &at
	}
	f.conversations.convs[1] = conv

	connections := &fakeConnections{
		businesses: map[int]*model.Business{10: {ID: 10, Name: "Acme"}},
		connections: map[int]*model.Connection{
			100: {ID: 100, BusinessID: 10, Provider: model.ProviderCloudAPI, PhoneNumberID: "PN1"},
		},
	}

	d := NewDispatcher(f.conversations, connections, f.messages, template.Default(),
		func(model.Connection) (provider.Adapter, error) { return f.adapter, nil })
	d.Window = &window.Policy{Now: func() time.Time { return testNow }}
	d.Sleep = func(_ context.Context, dur time.Duration) error {
		f.sleeps = append(f.sleeps, dur)
		return nil
	}
	f.dispatcher = d
	return f
}
