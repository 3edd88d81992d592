package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
)

var (
	ErrClientNotConnected = errors.New("client not connected")
	ErrClientBusy         = errors.New("client already has a pending credential request")
	ErrClientUnavailable  = errors.New("client has no digital credentials api")
	ErrWalletFailed       = errors.New("browser reported a credential request failure")
	ErrTimeout            = errors.New("operation timed out")
)

// DefaultRequestTimeout bounds how long a browser may take to answer a
// credential request
const DefaultRequestTimeout = 2 * time.Minute

// Message types
const (
	TypeHello      = "hello"      // client -> server, registers a client id
	TypeReady      = "ready"      // server -> client, handshake done
	TypeGet        = "get"        // server -> client, run navigator.credentials.get
	TypeCredential = "credential" // client -> server, answer to get
	TypeEvent      = "event"      // server -> client, flow event
	TypeError      = "error"      // server -> client
)

// ServerMessage represents a message sent from server to client
type ServerMessage struct {
	Type      string                    `json:"type"`
	MessageID string                    `json:"message_id,omitempty"`
	ClientID  string                    `json:"clientId,omitempty"`
	Request   *dcflow.CredentialRequest `json:"request,omitempty"`
	Event     *dcflow.Event             `json:"event,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

// ClientMessage represents a message received from client
type ClientMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	// Available is sent with hello; false when the browser lacks the
	// Digital Credentials API
	Available *bool           `json:"available,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type credentialAnswer struct {
	response json.RawMessage
	err      error
}

// pendingRequest tracks an outstanding credential request
type pendingRequest struct {
	messageID string
	answerCh  chan credentialAnswer
}

// clientConnection represents a connected browser
type clientConnection struct {
	conn      *websocket.Conn
	clientID  string
	available bool

	writeMu sync.Mutex

	pendingMu      sync.Mutex
	pendingRequest *pendingRequest
}

func (c *clientConnection) send(msg ServerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Options configures a Manager
type Options struct {
	// AllowedOrigins restricts the Origin of websocket upgrades. Empty or
	// "*" accepts any origin.
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Manager bridges flows to connected browsers: credential requests are
// forwarded to the browser's navigator.credentials.get and flow events are
// streamed back.
type Manager struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	timeout  time.Duration

	clientsMu sync.RWMutex
	clients   map[string]*clientConnection // clientID -> connection
}

// NewManager creates a new WebSocket manager
func NewManager(opts Options, logger *zap.Logger) *Manager {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	origins := opts.AllowedOrigins
	return &Manager{
		logger:  logger.Named("websocket-manager"),
		timeout: timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"), origins)
			},
		},
		clients: make(map[string]*clientConnection),
	}
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
			return true
		}
	}
	return false
}

// HandleConnection handles a new WebSocket connection
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	m.logger.Info("WebSocket client connected")

	// The first message must be a hello carrying the client id
	go m.handleClient(conn)
}

func (m *Manager) handleClient(conn *websocket.Conn) {
	defer conn.Close()

	var client *clientConnection

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			m.logger.Error("Failed to parse message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case TypeHello:
			if client != nil {
				continue
			}
			client = m.register(conn, msg)
			if err := client.send(ServerMessage{Type: TypeReady, ClientID: client.clientID}); err != nil {
				m.logger.Warn("Failed to confirm handshake", zap.Error(err))
			}

		case TypeCredential:
			if client == nil {
				_ = conn.WriteJSON(ServerMessage{Type: TypeError, Error: "handshake required"})
				continue
			}
			client.deliver(msg)

		default:
			m.logger.Debug("Ignoring message", zap.String("type", msg.Type))
		}
	}

	// Clean up on disconnect
	if client != nil {
		m.clientsMu.Lock()
		if existing, ok := m.clients[client.clientID]; ok && existing == client {
			delete(m.clients, client.clientID)
		}
		m.clientsMu.Unlock()
		client.fail(ErrClientNotConnected)
		m.logger.Info("WebSocket client disconnected", zap.String("client_id", client.clientID))
	}
}

func (m *Manager) register(conn *websocket.Conn, msg ClientMessage) *clientConnection {
	clientID := strings.TrimSpace(msg.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	client := &clientConnection{
		conn:      conn,
		clientID:  clientID,
		available: msg.Available == nil || *msg.Available,
	}

	m.clientsMu.Lock()
	// Close any existing connection for this client id
	if existing, ok := m.clients[clientID]; ok {
		existing.conn.Close()
	}
	m.clients[clientID] = client
	m.clientsMu.Unlock()

	m.logger.Info("WebSocket handshake established",
		zap.String("client_id", clientID),
		zap.Bool("dc_api", client.available))
	return client
}

func (c *clientConnection) deliver(msg ClientMessage) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pendingRequest == nil || c.pendingRequest.messageID != msg.MessageID {
		return
	}

	answer := credentialAnswer{response: msg.Response}
	if msg.Error != "" {
		answer = credentialAnswer{err: fmt.Errorf("%w: %s", ErrWalletFailed, msg.Error)}
	}
	select {
	case c.pendingRequest.answerCh <- answer:
	default:
	}
}

func (c *clientConnection) fail(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pendingRequest == nil {
		return
	}
	select {
	case c.pendingRequest.answerCh <- credentialAnswer{err: err}:
	default:
	}
}

func (m *Manager) client(clientID string) (*clientConnection, bool) {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	c, ok := m.clients[clientID]
	return c, ok
}

// IsConnected checks if a client is currently connected
func (m *Manager) IsConnected(clientID string) bool {
	_, ok := m.client(clientID)
	return ok
}

// Clients returns the ids of the connected clients
func (m *Manager) Clients() []string {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids
}

// SendCredentialRequest forwards a credential request to a connected
// browser and waits for its answer
func (m *Manager) SendCredentialRequest(ctx context.Context, clientID string, request dcflow.CredentialRequest) (json.RawMessage, error) {
	client, ok := m.client(clientID)
	if !ok {
		return nil, ErrClientNotConnected
	}

	messageID := uuid.New().String()
	pending := &pendingRequest{
		messageID: messageID,
		answerCh:  make(chan credentialAnswer, 1),
	}

	client.pendingMu.Lock()
	if client.pendingRequest != nil {
		client.pendingMu.Unlock()
		return nil, ErrClientBusy
	}
	client.pendingRequest = pending
	client.pendingMu.Unlock()

	defer func() {
		client.pendingMu.Lock()
		client.pendingRequest = nil
		client.pendingMu.Unlock()
	}()

	if err := client.send(ServerMessage{Type: TypeGet, MessageID: messageID, Request: &request}); err != nil {
		return nil, fmt.Errorf("failed to send credential request: %w", err)
	}

	m.logger.Debug("Sent credential request",
		zap.String("client_id", clientID),
		zap.String("message_id", messageID),
		zap.String("request_id", request.RequestID),
	)

	// Wait for response with timeout
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case answer := <-pending.answerCh:
		return answer.response, answer.err
	}
}

// Provider returns a CredentialProvider backed by the browser registered
// as clientID
func (m *Manager) Provider(clientID string) dcflow.CredentialProvider {
	return &browserProvider{manager: m, clientID: clientID}
}

type browserProvider struct {
	manager  *Manager
	clientID string
}

func (p *browserProvider) Available(context.Context) bool {
	c, ok := p.manager.client(p.clientID)
	return ok && c.available
}

func (p *browserProvider) Get(ctx context.Context, req dcflow.CredentialRequest) (json.RawMessage, error) {
	return p.manager.SendCredentialRequest(ctx, p.clientID, req)
}

// Publish sends a flow event to every connected client
func (m *Manager) Publish(e dcflow.Event) {
	m.clientsMu.RLock()
	clients := make([]*clientConnection, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMu.RUnlock()

	for _, c := range clients {
		m.sendEvent(c, e)
	}
}

// ClientSink returns an EventSink delivering events to one client only.
// Events for a disconnected client are dropped.
func (m *Manager) ClientSink(clientID string) dcflow.EventSink {
	return dcflow.EventSinkFunc(func(e dcflow.Event) {
		if c, ok := m.client(clientID); ok {
			m.sendEvent(c, e)
		}
	})
}

func (m *Manager) sendEvent(c *clientConnection, e dcflow.Event) {
	if err := c.send(ServerMessage{Type: TypeEvent, Event: &e}); err != nil {
		m.logger.Debug("Failed to deliver event",
			zap.String("client_id", c.clientID),
			zap.String("event", string(e.Type)),
			zap.Error(err))
	}
}

// Close closes all connections
func (m *Manager) Close() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	for _, client := range m.clients {
		client.conn.Close()
	}
	m.clients = make(map[string]*clientConnection)
}
