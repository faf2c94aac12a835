package lark

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"communitybot/internal/config"
	"communitybot/internal/reminder"
)

type sentMessage struct {
	ReceiveIDType string
	ReceiveID     string `json:"receive_id"`
	MsgType       string `json:"msg_type"`
	Content       string `json:"content"`
}

type fakeOpenAPI struct {
	mu   sync.Mutex
	sent []sentMessage
	code int
}

func (f *fakeOpenAPI) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if strings.Contains(r.URL.Path, "tenant_access_token") || strings.Contains(r.URL.Path, "app_access_token") {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":                0,
			"msg":                 "ok",
			"tenant_access_token": "test-token",
			"app_access_token":    "test-token",
			"expire":              7200,
		})
		return
	}
	if !strings.HasSuffix(r.URL.Path, "/im/v1/messages") {
		http.NotFound(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var msg sentMessage
	_ = json.Unmarshal(body, &msg)
	msg.ReceiveIDType = r.URL.Query().Get("receive_id_type")

	f.mu.Lock()
	f.sent = append(f.sent, msg)
	code := f.code
	f.mu.Unlock()

	resp := map[string]any{"code": code, "msg": "success"}
	if code == 0 {
		resp["data"] = map[string]any{"message_id": "om_1"}
	} else {
		resp["msg"] = "bot is not in the chat"
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestDispatcher(t *testing.T, code int) (*Dispatcher, *fakeOpenAPI) {
	t.Helper()
	fake := &fakeOpenAPI{code: code}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	d, err := NewDispatcher(config.LarkConfig{AppID: "cli_test", AppSecret: "secret"}, lark.WithOpenBaseUrl(srv.URL))
	require.NoError(t, err)
	return d, fake
}

func TestNewDispatcherRequiresCredentials(t *testing.T) {
	_, err := NewDispatcher(config.LarkConfig{AppID: "cli_test"})
	assert.Error(t, err)
}

func TestPostChannelMessageUsesChatID(t *testing.T) {
	d, fake := newTestDispatcher(t, 0)

	require.NoError(t, d.PostChannelMessage(context.Background(), "oc_123", "Meetup tomorrow"))

	require.Len(t, fake.sent, 1)
	got := fake.sent[0]
	assert.Equal(t, "chat_id", got.ReceiveIDType)
	assert.Equal(t, "oc_123", got.ReceiveID)
	assert.Equal(t, "text", got.MsgType)
	assert.JSONEq(t, `{"text":"Meetup tomorrow"}`, got.Content)
}

func TestSendDirectMessageUsesOpenID(t *testing.T) {
	d, fake := newTestDispatcher(t, 0)

	require.NoError(t, d.SendDirectMessage(context.Background(), "ou_42", "hi"))

	require.Len(t, fake.sent, 1)
	assert.Equal(t, "open_id", fake.sent[0].ReceiveIDType)
	assert.Equal(t, "ou_42", fake.sent[0].ReceiveID)
}

func TestAPIErrorIsDeliveryFailure(t *testing.T) {
	d, _ := newTestDispatcher(t, 230002)

	err := d.PostChannelMessage(context.Background(), "oc_123", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, reminder.ErrDelivery)
	assert.Contains(t, err.Error(), "230002")
}

func TestUnreachableServerIsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d, err := NewDispatcher(config.LarkConfig{AppID: "cli_test", AppSecret: "secret"}, lark.WithOpenBaseUrl(url))
	require.NoError(t, err)

	err = d.SendDirectMessage(context.Background(), "ou_42", "hi")
	assert.ErrorIs(t, err, reminder.ErrDelivery)
}
