package telegram

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/models"
)

type sentMessage struct {
	chatID int64
	text   string
}

type mockSender struct {
	sent []sentMessage
	err  error
}

func (m *mockSender) SendMessage(chatID int64, text string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func testNotification() (*models.Integration, *models.Notification) {
	in := &models.Integration{ID: "i1", OwnerID: "u1", Driver: "mailchimp"}
	note := &models.Notification{ID: "n1", OwnerID: "u1", Type: models.NotificationIntegration, IntegrationID: "i1", Message: "Main: Invalid key"}
	return in, note
}

func TestNotifier_NotifyIntegrationFailure(t *testing.T) {
	sender := &mockSender{}
	n := NewNotifier(sender, 42, nil)
	in, note := testNotification()

	require.NoError(t, n.NotifyIntegrationFailure(context.Background(), in, note))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, int64(42), sender.sent[0].chatID)
	assert.Equal(t, "⚠️ Integration failure\nOwner: u1\nIntegration: i1 (mailchimp)\nMain: Invalid key", sender.sent[0].text)

	sender.err = stderrors.New("boom")
	assert.ErrorContains(t, n.NotifyIntegrationFailure(context.Background(), in, note), "boom")
}

func TestNotifier_NilSafe(t *testing.T) {
	in, note := testNotification()
	var n *Notifier
	assert.NoError(t, n.NotifyIntegrationFailure(context.Background(), in, note))

	sender := &mockSender{}
	assert.NoError(t, NewNotifier(sender, 0, nil).NotifyIntegrationFailure(context.Background(), in, note))
	assert.Empty(t, sender.sent)
}

func TestFromConfig_Disabled(t *testing.T) {
	n, err := FromConfig(config.TelegramConfig{BotToken: "t", ChatID: 1}, nil)
	require.NoError(t, err)
	assert.Nil(t, n)
}

// fakeBotAPI answers getMe and sendMessage like the Bot API does.
type fakeBotAPI struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/botgood-token/getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Convertful","username":"convertful_bot"}}`))
	case "/botgood-token/sendMessage":
		_ = r.ParseForm()
		f.mu.Lock()
		f.sent = append(f.sent, sentMessage{text: r.PostForm.Get("text")})
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
	default:
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}
}

func TestBotClient(t *testing.T) {
	fake := &fakeBotAPI{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	endpoint := srv.URL + "/bot%s/%s"

	client, err := NewBotClient("good-token", endpoint, srv.Client())
	require.NoError(t, err)
	require.NoError(t, client.SendMessage(42, "hello"))
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "hello", fake.sent[0].text)

	_, err = NewBotClient("bad-token", endpoint, srv.Client())
	assert.Error(t, err)

	n, err := FromConfig(config.TelegramConfig{Enabled: true, BotToken: "good-token", ChatID: 42, APIEndpoint: endpoint}, nil)
	require.NoError(t, err)
	in, note := testNotification()
	require.NoError(t, n.NotifyIntegrationFailure(context.Background(), in, note))
	assert.Len(t, fake.sent, 2)
}
