package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Curve-Labs/egregore-site-sub000/internal/eventbus"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
)

func TestSendMessage(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot123:abc/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	require.NoError(t, c.SendMessage(context.Background(), "123:abc", "-100", "hello"))
	assert.Equal(t, sendMessageRequest{ChatID: "-100", Text: "hello"}, got)
}

func TestSendMessage_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok": false, "description": "chat not found"}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)

	err := c.SendMessage(context.Background(), "", "-100", "hello")
	assert.ErrorIs(t, err, ErrNotConfigured)

	err = c.SendMessage(context.Background(), "123:abc", "-100", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestSendMessage_TransportErrorHidesToken(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	err := c.SendMessage(context.Background(), "123:secret", "-100", "hello")
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "secret"), "error leaked bot token: %v", err)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendMessage(ctx context.Context, botToken, chatID, text string) error {
	return m.Called(botToken, chatID, text).Error(0)
}

type lookup map[string]tenant.Tenant

func (l lookup) Lookup(slug string) (tenant.Tenant, bool) {
	t, ok := l[slug]
	return t, ok
}

func TestNotifier(t *testing.T) {
	tenants := lookup{
		"alpha": {Slug: "alpha", TelegramBotToken: "tok", TelegramChatID: "-100"},
		"quiet": {Slug: "quiet"},
	}

	sender := new(mockSender)
	sender.On("SendMessage", "tok", "-100", "oz joined.").Return(nil).Once()

	n := NewNotifier(sender, tenants, nil)
	n.Notify(context.Background(), eventbus.Event{Type: eventbus.TypeTenantJoined, Tenant: "alpha", Actor: "oz"})
	n.Notify(context.Background(), eventbus.Event{Type: eventbus.TypeTenantJoined, Tenant: "quiet", Actor: "oz"})
	n.Notify(context.Background(), eventbus.Event{Type: eventbus.TypeTenantJoined, Tenant: "missing", Actor: "oz"})
	n.Notify(context.Background(), eventbus.Event{Type: "something.else", Tenant: "alpha"})

	sender.AssertExpectations(t)
}

func TestNotifier_FailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sender := new(mockSender)
	sender.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("boom"))

	n := NewNotifier(sender, lookup{"alpha": {Slug: "alpha", TelegramBotToken: "tok", TelegramChatID: "-1"}}, zap.New(core))
	n.Notify(context.Background(), eventbus.Event{Type: eventbus.TypeTenantProvisioned, Tenant: "alpha", Actor: "oz"})

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "failed to deliver group notification", logs.All()[0].Message)
}

func TestNotifier_RunStopsWhenBusStops(t *testing.T) {
	bus := eventbus.NewInMemoryEventBus(4)
	sender := new(mockSender)
	sender.On("SendMessage", "tok", "-100", "oz accepted an invitation and joined.").Return(nil).Once()

	n := NewNotifier(sender, lookup{"alpha": {Slug: "alpha", TelegramBotToken: "tok", TelegramChatID: "-100"}}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	events := bus.Subscribe()
	go func() {
		defer wg.Done()
		n.Run(context.Background(), events)
	}()

	bus.Publish(context.Background(), eventbus.Event{Type: eventbus.TypeInviteAccepted, Tenant: "alpha", Actor: "oz"})
	bus.Stop()
	wg.Wait()

	sender.AssertExpectations(t)
}
