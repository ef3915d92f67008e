package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Alannxna/redfire-gateway/internal/auth"
	"github.com/Alannxna/redfire-gateway/internal/logging"
	"github.com/Alannxna/redfire-gateway/internal/metrics"
	"github.com/Alannxna/redfire-gateway/internal/store"
)

const (
	channelPrefix  = "ws:"
	channelPattern = "ws:*"

	sweepInterval = 30 * time.Second
	staleAfter    = 60 * time.Second

	listenBackoff = 2 * time.Second
)

// publicTopics are subscribable without authentication.
var publicTopics = map[string]struct{}{
	"system":        {},
	"announcements": {},
	"general":       {},
}

// TokenVerifier validates an access token presented over an authenticate
// frame. Satisfied by *auth.Authenticator.
type TokenVerifier interface {
	VerifyAccessToken(token string) (*auth.UserContext, error)
}

// envelope is the cross-instance fan-out record published on ws:<topic>.
type envelope struct {
	ID         string         `json:"id"`
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload"`
	SenderID   string         `json:"sender_id,omitempty"`
	InstanceID string         `json:"instance_id"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Hub owns the connection table and topic subscriptions. One mutex guards
// both maps; it is held only for map operations, never across socket sends.
type Hub struct {
	instanceID string
	st         store.Store // nil disables cross-instance fan-out
	verifier   TokenVerifier
	accept     *AcceptLimiter
	logger     zerolog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
	subs  map[string]map[string]*Connection // topic -> connection id -> conn

	wg sync.WaitGroup
}

// HubConfig assembles a hub.
type HubConfig struct {
	Store    store.Store // optional
	Verifier TokenVerifier
	Accept   *AcceptLimiter // optional
	Logger   zerolog.Logger
}

// NewHub creates a hub with a fresh instance id.
func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		instanceID: uuid.NewString(),
		st:         cfg.Store,
		verifier:   cfg.Verifier,
		accept:     cfg.Accept,
		logger:     cfg.Logger.With().Str("component", "ws").Logger(),
		conns:      make(map[string]*Connection),
		subs:       make(map[string]map[string]*Connection),
	}
}

// Start launches the stale-connection sweep and, when a store is configured,
// the cross-instance pub/sub listener.
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.sweepLoop(ctx)
	if h.st != nil {
		h.wg.Add(1)
		go h.listenLoop(ctx)
	}
}

// Wait blocks until background loops have stopped.
func (h *Hub) Wait() { h.wg.Wait() }

// Serve upgrades an HTTP request to a WebSocket connection and runs its
// pumps. clientIP feeds the accept limiter.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, clientIP string) {
	if h.accept != nil && !h.accept.Allow(clientIP) {
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	c := newConnection(conn, h, h.logger)
	h.register(c)

	established := newServerMessage(TypeConnectionEstablished)
	established.Payload = map[string]any{"connection_id": c.ID}
	c.sendMessage(established)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	h.conns[c.ID] = c
	total := len(h.conns)
	h.mu.Unlock()

	metrics.IncrementWSConnection()
	h.logger.Info().Str("connection_id", c.ID).Int("total_connections", total).Msg("WebSocket connection established")
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	for topic, members := range h.subs {
		if _, ok := members[c.ID]; ok {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(h.subs, topic)
			}
		}
	}
	total := len(h.conns)
	h.mu.Unlock()

	metrics.DecrementWSConnection()
	h.logger.Info().Str("connection_id", c.ID).Int("total_connections", total).Msg("WebSocket connection closed")
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// handleFrame dispatches one inbound client frame.
func (h *Hub) handleFrame(c *Connection, msg *Message) {
	switch msg.Type {
	case TypeAuthenticate:
		h.handleAuthenticate(c, msg)
	case TypeSubscribe:
		h.handleSubscribe(c, msg)
	case TypeUnsubscribe:
		h.handleUnsubscribe(c, msg)
	case TypePublish:
		h.handlePublish(c, msg)
	case TypeHeartbeat:
		c.sendMessage(newServerMessage(TypeHeartbeatAck))
	default:
		c.sendMessage(errorMessage(CodeUnknownMessageType, "unknown message type: "+msg.Type))
	}
}

func (h *Hub) handleAuthenticate(c *Connection, msg *Message) {
	user, err := h.verifier.VerifyAccessToken(msg.Token)
	if err != nil {
		reply := newServerMessage(TypeAuthError)
		reply.Code = CodeAuthFailed
		reply.Error = err.Error()
		c.sendMessage(reply)
		return
	}
	c.setUser(user)

	reply := newServerMessage(TypeAuthSuccess)
	reply.Payload = map[string]any{"user_id": user.UserID, "username": user.Username}
	c.sendMessage(reply)
	h.logger.Info().Str("connection_id", c.ID).Str("user_id", user.UserID).Msg("WebSocket connection authenticated")
}

// canSubscribe is the topic permission predicate: public topics for anyone,
// user:/role:/permission: topics only for the matching authenticated user.
func canSubscribe(user *auth.UserContext, topic string) bool {
	if _, ok := publicTopics[topic]; ok {
		return true
	}
	if user == nil {
		return false
	}
	switch {
	case strings.HasPrefix(topic, "user:"):
		return strings.TrimPrefix(topic, "user:") == user.UserID
	case strings.HasPrefix(topic, "role:"):
		return user.HasRole(strings.TrimPrefix(topic, "role:"))
	case strings.HasPrefix(topic, "permission:"):
		return user.HasPermission(strings.TrimPrefix(topic, "permission:"))
	}
	return false
}

func (h *Hub) handleSubscribe(c *Connection, msg *Message) {
	if msg.Topic == "" {
		c.sendMessage(errorMessage(CodeBadFrame, "subscribe requires a topic"))
		return
	}
	if !canSubscribe(c.User(), msg.Topic) {
		c.sendMessage(errorMessage(CodeSubscriptionDenied, "subscription denied for topic: "+msg.Topic))
		return
	}

	h.mu.Lock()
	members, ok := h.subs[msg.Topic]
	if !ok {
		members = make(map[string]*Connection)
		h.subs[msg.Topic] = members
	}
	members[c.ID] = c
	h.mu.Unlock()

	reply := newServerMessage(TypeSubscriptionConfirmed)
	reply.Topic = msg.Topic
	c.sendMessage(reply)
	h.logger.Debug().Str("connection_id", c.ID).Str("topic", msg.Topic).Msg("Topic subscribed")
}

func (h *Hub) handleUnsubscribe(c *Connection, msg *Message) {
	if msg.Topic == "" {
		c.sendMessage(errorMessage(CodeBadFrame, "unsubscribe requires a topic"))
		return
	}

	h.mu.Lock()
	if members, ok := h.subs[msg.Topic]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.subs, msg.Topic)
		}
	}
	h.mu.Unlock()

	reply := newServerMessage(TypeUnsubscriptionConfirmed)
	reply.Topic = msg.Topic
	c.sendMessage(reply)
}

func (h *Hub) handlePublish(c *Connection, msg *Message) {
	if msg.Topic == "" {
		c.sendMessage(errorMessage(CodeBadFrame, "publish requires a topic"))
		return
	}
	if !canSubscribe(c.User(), msg.Topic) {
		code := CodeSubscriptionDenied
		if c.User() == nil {
			code = CodeAuthRequired
		}
		c.sendMessage(errorMessage(code, "publish denied for topic: "+msg.Topic))
		return
	}
	h.Broadcast(context.Background(), msg.Topic, msg.Payload, c.ID)
}

// Broadcast delivers payload to every local subscriber of topic except the
// sender, then fans out to other instances through the shared store. Store
// failures skip the cross-instance leg; local delivery already happened.
func (h *Hub) Broadcast(ctx context.Context, topic string, payload map[string]any, senderID string) {
	env := envelope{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		SenderID:   senderID,
		InstanceID: h.instanceID,
		Timestamp:  time.Now().UTC(),
	}
	h.deliverLocal(&env)

	if h.st == nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("Failed to encode fan-out envelope")
		return
	}
	if err := h.st.Publish(ctx, channelPrefix+topic, string(raw)); err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("Cross-instance fan-out skipped")
	}
}

func (h *Hub) deliverLocal(env *envelope) {
	h.mu.Lock()
	members := make([]*Connection, 0, len(h.subs[env.Topic]))
	for id, conn := range h.subs[env.Topic] {
		if id == env.SenderID {
			continue
		}
		members = append(members, conn)
	}
	h.mu.Unlock()

	if len(members) == 0 {
		return
	}
	frame := &Message{
		ID:        env.ID,
		Type:      TypeTopicMessage,
		Topic:     env.Topic,
		Payload:   env.Payload,
		SenderID:  env.SenderID,
		Timestamp: env.Timestamp,
	}
	for _, conn := range members {
		conn.sendMessage(frame)
	}
}

// listenLoop subscribes to ws:* and replays remote envelopes to local
// subscribers. Resubscribes with backoff on store errors.
func (h *Hub) listenLoop(ctx context.Context) {
	defer h.wg.Done()
	defer logging.RecoverPanic(h.logger, "listenLoop", nil)

	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := h.st.PSubscribe(ctx, channelPattern)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Pub/sub subscribe failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenBackoff):
			}
			continue
		}
		h.consumeSubscription(ctx, sub)
		_ = sub.Close()
	}
}

func (h *Hub) consumeSubscription(ctx context.Context, sub store.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed fan-out envelope")
				continue
			}
			// Own envelopes were already delivered locally at publish time.
			if env.InstanceID == h.instanceID {
				continue
			}
			h.deliverLocal(&env)
		}
	}
}

// sweepLoop disconnects connections whose last inbound activity is older
// than staleAfter.
func (h *Hub) sweepLoop(ctx context.Context) {
	defer h.wg.Done()
	defer logging.RecoverPanic(h.logger, "sweepLoop", nil)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepStale()
		}
	}
}

func (h *Hub) sweepStale() {
	now := time.Now()
	h.mu.Lock()
	stale := make([]*Connection, 0)
	for _, c := range h.conns {
		if c.heartbeatAge(now) > staleAfter {
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.logger.Info().Str("connection_id", c.ID).Msg("Disconnecting stale WebSocket connection")
		h.unregister(c)
		c.close()
	}
}

// Shutdown closes every connection with a normal close frame.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.unregister(c)
		c.closeSend() // writePump sends the close frame and exits
	}
	if h.accept != nil {
		h.accept.Stop()
	}
}
