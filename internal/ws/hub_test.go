package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alannxna/redfire-gateway/internal/auth"
	"github.com/Alannxna/redfire-gateway/internal/store"
)

func newTestAuth(t *testing.T) (*auth.TokenManager, *auth.Authenticator) {
	t.Helper()
	tokens, err := auth.NewTokenManager("test-secret", "HS256", time.Hour, 24*time.Hour)
	require.NoError(t, err)
	return tokens, auth.NewAuthenticator(tokens, auth.NewPublicPaths(nil, nil))
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server, *auth.TokenManager) {
	t.Helper()
	tokens, authenticator := newTestAuth(t)
	hub := NewHub(HubConfig{
		Store:    store.NewMemory(),
		Verifier: authenticator,
		Logger:   zerolog.Nop(),
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "127.0.0.1")
	}))
	t.Cleanup(server.Close)
	return hub, server, tokens
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var msg Message
	err := conn.ReadJSON(&msg)
	require.Error(t, err, "unexpected frame of type %s", msg.Type)
}

func TestConnectionEstablished(t *testing.T) {
	_, server, _ := newTestHub(t)
	conn := dialWS(t, server)

	frame := readFrame(t, conn)
	assert.Equal(t, TypeConnectionEstablished, frame.Type)
	assert.NotEmpty(t, frame.Payload["connection_id"])
}

func TestAuthenticateFrame(t *testing.T) {
	_, server, tokens := newTestHub(t)
	conn := dialWS(t, server)
	readFrame(t, conn) // connection_established

	token, err := tokens.IssueAccess(&auth.UserContext{UserID: "u1", Username: "alice"})
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeAuthenticate, Token: token}))
	frame := readFrame(t, conn)
	assert.Equal(t, TypeAuthSuccess, frame.Type)
	assert.Equal(t, "u1", frame.Payload["user_id"])
}

func TestAuthenticateFrameBadToken(t *testing.T) {
	_, server, _ := newTestHub(t)
	conn := dialWS(t, server)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeAuthenticate, Token: "garbage"}))
	frame := readFrame(t, conn)
	assert.Equal(t, TypeAuthError, frame.Type)
	assert.Equal(t, CodeAuthFailed, frame.Code)
}

func TestSubscribePublicTopic(t *testing.T) {
	_, server, _ := newTestHub(t)
	conn := dialWS(t, server)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeSubscribe, Topic: "system"}))
	frame := readFrame(t, conn)
	assert.Equal(t, TypeSubscriptionConfirmed, frame.Type)
	assert.Equal(t, "system", frame.Topic)
}

func TestSubscribePrivateTopicRequiresAuth(t *testing.T) {
	_, server, tokens := newTestHub(t)
	conn := dialWS(t, server)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeSubscribe, Topic: "user:u1"}))
	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, CodeSubscriptionDenied, frame.Code)

	token, err := tokens.IssueAccess(&auth.UserContext{UserID: "u1", Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Type: TypeAuthenticate, Token: token}))
	readFrame(t, conn) // auth_success

	require.NoError(t, conn.WriteJSON(Message{Type: TypeSubscribe, Topic: "user:u1"}))
	frame = readFrame(t, conn)
	assert.Equal(t, TypeSubscriptionConfirmed, frame.Type)

	// Another user's topic stays off limits.
	require.NoError(t, conn.WriteJSON(Message{Type: TypeSubscribe, Topic: "user:u2"}))
	frame = readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, CodeSubscriptionDenied, frame.Code)
}

func TestCanSubscribePredicate(t *testing.T) {
	user := &auth.UserContext{
		UserID:      "u1",
		Roles:       []string{"trader"},
		Permissions: []string{"orders:read"},
	}

	tests := []struct {
		name  string
		user  *auth.UserContext
		topic string
		want  bool
	}{
		{"public unauthenticated", nil, "system", true},
		{"public authenticated", user, "announcements", true},
		{"private unauthenticated", nil, "user:u1", false},
		{"own user topic", user, "user:u1", true},
		{"other user topic", user, "user:u2", false},
		{"held role", user, "role:trader", true},
		{"missing role", user, "role:admin", false},
		{"held permission", user, "permission:orders:read", true},
		{"missing permission", user, "permission:orders:write", false},
		{"arbitrary topic", user, "random", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, canSubscribe(tt.user, tt.topic))
		})
	}
}

func TestPublishFanOutNoEcho(t *testing.T) {
	_, server, _ := newTestHub(t)

	sender := dialWS(t, server)
	readFrame(t, sender)
	receiver := dialWS(t, server)
	readFrame(t, receiver)

	require.NoError(t, sender.WriteJSON(Message{Type: TypeSubscribe, Topic: "general"}))
	readFrame(t, sender)
	require.NoError(t, receiver.WriteJSON(Message{Type: TypeSubscribe, Topic: "general"}))
	readFrame(t, receiver)

	require.NoError(t, sender.WriteJSON(Message{
		Type:    TypePublish,
		Topic:   "general",
		Payload: map[string]any{"text": "hello"},
	}))

	frame := readFrame(t, receiver)
	assert.Equal(t, TypeTopicMessage, frame.Type)
	assert.Equal(t, "general", frame.Topic)
	assert.Equal(t, "hello", frame.Payload["text"])
	assert.NotEmpty(t, frame.SenderID)

	// The sender must not receive its own message back.
	expectNoFrame(t, sender)
}

func TestPublishDeniedTopic(t *testing.T) {
	_, server, _ := newTestHub(t)
	conn := dialWS(t, server)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePublish, Topic: "user:u9", Payload: map[string]any{"x": "y"}}))
	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, CodeAuthRequired, frame.Code)
}

func TestHeartbeatAck(t *testing.T) {
	_, server, _ := newTestHub(t)
	conn := dialWS(t, server)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeHeartbeat}))
	frame := readFrame(t, conn)
	assert.Equal(t, TypeHeartbeatAck, frame.Type)
}

func TestUnknownMessageType(t *testing.T) {
	_, server, _ := newTestHub(t)
	conn := dialWS(t, server)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: "wat"}))
	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, CodeUnknownMessageType, frame.Code)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, server, _ := newTestHub(t)

	conn := dialWS(t, server)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeSubscribe, Topic: "general"}))
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(Message{Type: TypeUnsubscribe, Topic: "general"}))
	frame := readFrame(t, conn)
	assert.Equal(t, TypeUnsubscriptionConfirmed, frame.Type)

	// Server-side broadcast to the topic no longer reaches the connection.
	hub.Broadcast(t.Context(), "general", map[string]any{"text": "bye"}, "")
	expectNoFrame(t, conn)
}

func TestConnectionCount(t *testing.T) {
	hub, server, _ := newTestHub(t)
	assert.Equal(t, 0, hub.ConnectionCount())

	conn := dialWS(t, server)
	readFrame(t, conn)
	assert.Equal(t, 1, hub.ConnectionCount())

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestShutdownSafeAgainstConcurrentSend(t *testing.T) {
	hub, server, _ := newTestHub(t)
	conn := dialWS(t, server)
	readFrame(t, conn)

	hub.mu.Lock()
	var c *Connection
	for _, v := range hub.conns {
		c = v
	}
	hub.mu.Unlock()
	require.NotNil(t, c)

	hub.Shutdown()

	// A frame arriving while the hub shuts down is dropped; it must not hit
	// the closed send channel.
	assert.NotPanics(t, func() {
		c.sendMessage(newServerMessage(TypeHeartbeatAck))
	})
}

func TestAcceptLimiter(t *testing.T) {
	limiter := NewAcceptLimiter(AcceptLimiterConfig{
		IPRate:      0.001,
		IPBurst:     2,
		GlobalRate:  1000,
		GlobalBurst: 1000,
		Logger:      zerolog.Nop(),
	})
	defer limiter.Stop()

	assert.True(t, limiter.Allow("1.1.1.1"))
	assert.True(t, limiter.Allow("1.1.1.1"))
	assert.False(t, limiter.Allow("1.1.1.1"))
	// Another IP has its own bucket.
	assert.True(t, limiter.Allow("2.2.2.2"))
}
