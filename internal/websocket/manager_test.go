package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
)

func newTestServer(t *testing.T, opts Options) (*Manager, string) {
	t.Helper()
	m := NewManager(opts, zap.NewNop())
	server := httptest.NewServer(http.HandlerFunc(m.HandleConnection))
	t.Cleanup(func() {
		m.Close()
		server.Close()
	})
	return m, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, wsURL, clientID string, available *bool) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { ws.Close() })

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeHello, ClientID: clientID, Available: available}))

	var ready ServerMessage
	require.NoError(t, ws.ReadJSON(&ready))
	require.Equal(t, TypeReady, ready.Type)
	return ws
}

func waitConnected(t *testing.T, m *Manager, clientID string) {
	t.Helper()
	require.Eventually(t, func() bool { return m.IsConnected(clientID) }, time.Second, 5*time.Millisecond)
}

func TestNewManager(t *testing.T) {
	m := NewManager(Options{}, zap.NewNop())
	assert.NotNil(t, m)
	assert.Empty(t, m.clients)
	assert.Equal(t, DefaultRequestTimeout, m.timeout)
	assert.False(t, m.IsConnected("client-1"))

	m.Close()
	assert.Empty(t, m.clients)
}

func TestManager_Handshake(t *testing.T) {
	m, wsURL := newTestServer(t, Options{})
	dial(t, wsURL, "browser-1", nil)
	waitConnected(t, m, "browser-1")
	assert.Equal(t, []string{"browser-1"}, m.Clients())
	assert.True(t, m.Provider("browser-1").Available(context.Background()))
}

func TestManager_HandshakeAssignsClientID(t *testing.T) {
	_, wsURL := newTestServer(t, Options{})
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeHello}))
	var ready ServerMessage
	require.NoError(t, ws.ReadJSON(&ready))
	assert.NotEmpty(t, ready.ClientID)
}

func TestManager_CredentialBeforeHandshake(t *testing.T) {
	_, wsURL := newTestServer(t, Options{})
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeCredential, MessageID: "x"}))
	var msg ServerMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, TypeError, msg.Type)
}

func TestManager_UnavailableBrowser(t *testing.T) {
	m, wsURL := newTestServer(t, Options{})
	no := false
	dial(t, wsURL, "old-browser", &no)
	waitConnected(t, m, "old-browser")

	assert.False(t, m.Provider("old-browser").Available(context.Background()))
	assert.False(t, m.Provider("nobody").Available(context.Background()))
}

func TestManager_CredentialRoundTrip(t *testing.T) {
	m, wsURL := newTestServer(t, Options{})
	ws := dial(t, wsURL, "browser-1", nil)
	waitConnected(t, m, "browser-1")

	go func() {
		var msg ServerMessage
		if err := ws.ReadJSON(&msg); err != nil || msg.Type != TypeGet {
			return
		}
		_ = ws.WriteJSON(ClientMessage{
			Type:      TypeCredential,
			MessageID: "stale-id",
			Response:  json.RawMessage(`{"wrong":true}`),
		})
		_ = ws.WriteJSON(ClientMessage{
			Type:      TypeCredential,
			MessageID: msg.MessageID,
			Response:  json.RawMessage(`{"echo":` + string(msg.Request.Payload) + `}`),
		})
	}()

	got, err := m.Provider("browser-1").Get(context.Background(), dcflow.CredentialRequest{
		RequestID: "unsigned-mdl",
		Payload:   json.RawMessage(`{"digital":{"requests":[]}}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"digital":{"requests":[]}}}`, string(got))
}

func TestManager_BrowserError(t *testing.T) {
	m, wsURL := newTestServer(t, Options{})
	ws := dial(t, wsURL, "browser-1", nil)
	waitConnected(t, m, "browser-1")

	go func() {
		var msg ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		_ = ws.WriteJSON(ClientMessage{Type: TypeCredential, MessageID: msg.MessageID, Error: "NotAllowedError"})
	}()

	_, err := m.SendCredentialRequest(context.Background(), "browser-1", dcflow.CredentialRequest{})
	assert.ErrorIs(t, err, ErrWalletFailed)
	assert.Contains(t, err.Error(), "NotAllowedError")
}

func TestManager_NotConnected(t *testing.T) {
	m := NewManager(Options{}, zap.NewNop())
	_, err := m.SendCredentialRequest(context.Background(), "nobody", dcflow.CredentialRequest{})
	assert.ErrorIs(t, err, ErrClientNotConnected)
}

func TestManager_Timeout(t *testing.T) {
	m, wsURL := newTestServer(t, Options{RequestTimeout: 30 * time.Millisecond})
	dial(t, wsURL, "browser-1", nil)
	waitConnected(t, m, "browser-1")

	_, err := m.SendCredentialRequest(context.Background(), "browser-1", dcflow.CredentialRequest{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestManager_ContextCanceled(t *testing.T) {
	m, wsURL := newTestServer(t, Options{})
	dial(t, wsURL, "browser-1", nil)
	waitConnected(t, m, "browser-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.SendCredentialRequest(ctx, "browser-1", dcflow.CredentialRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_DisconnectFailsPendingRequest(t *testing.T) {
	m, wsURL := newTestServer(t, Options{})
	ws := dial(t, wsURL, "browser-1", nil)
	waitConnected(t, m, "browser-1")

	go func() {
		var msg ServerMessage
		_ = ws.ReadJSON(&msg)
		ws.Close()
	}()

	_, err := m.SendCredentialRequest(context.Background(), "browser-1", dcflow.CredentialRequest{})
	assert.ErrorIs(t, err, ErrClientNotConnected)
	require.Eventually(t, func() bool { return !m.IsConnected("browser-1") }, time.Second, 5*time.Millisecond)
}

func TestManager_Events(t *testing.T) {
	m, wsURL := newTestServer(t, Options{})
	one := dial(t, wsURL, "one", nil)
	two := dial(t, wsURL, "two", nil)
	waitConnected(t, m, "one")
	waitConnected(t, m, "two")

	m.ClientSink("one").Publish(dcflow.Event{Type: dcflow.EventRequestStarted, FlowID: "f1"})
	m.ClientSink("missing").Publish(dcflow.Event{Type: dcflow.EventFinished})
	m.Publish(dcflow.Event{Type: dcflow.EventFinished, FlowID: "f1"})

	var msg ServerMessage
	require.NoError(t, one.ReadJSON(&msg))
	assert.Equal(t, TypeEvent, msg.Type)
	assert.Equal(t, dcflow.EventRequestStarted, msg.Event.Type)
	require.NoError(t, one.ReadJSON(&msg))
	assert.Equal(t, dcflow.EventFinished, msg.Event.Type)

	require.NoError(t, two.ReadJSON(&msg))
	assert.Equal(t, dcflow.EventFinished, msg.Event.Type)
	assert.Equal(t, "f1", msg.Event.FlowID)
}

func TestManager_RejectsForeignOrigin(t *testing.T) {
	_, wsURL := newTestServer(t, Options{AllowedOrigins: []string{"https://demo.example.com"}})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://demo.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	ws.Close()
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed("", []string{"a.example"}))
	assert.True(t, originAllowed("https://x.example", nil))
	assert.True(t, originAllowed("https://x.example", []string{"*"}))
	assert.True(t, originAllowed("https://x.example:8443", []string{"x.example:8443"}))
	assert.False(t, originAllowed("https://x.example", []string{"y.example"}))
}
