package feed

import (
	"context"
	"encoding/json"
	"expvar"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/garyvish82-droid/hoodcup/internal/domain/ledger"
)

// EventsChannel is the Redis channel every instance publishes ledger events to.
const EventsChannel = "loyalty:events"

const publishTimeout = 2 * time.Second

var (
	feedConnectionsGauge   = expvar.NewInt("feed_connections")
	feedEventsSentTotal    = expvar.NewInt("feed_events_sent_total")
	feedEventsDroppedTotal = expvar.NewInt("feed_events_dropped_total")
)

// RemoteFunc receives events confirmed by other instances.
type RemoteFunc func(e ledger.Event)

type remoteMessage struct {
	Event            ledger.Event `json:"event"`
	SenderInstanceID string       `json:"sender_instance_id"`
}

// Connection is one websocket client of the feed
type Connection struct {
	Principal string
	Conn      *websocket.Conn
	Send      chan []byte
}

// Hub fans confirmed ledger events out to websocket clients on every instance
type Hub struct {
	// Local connections (this server instance only)
	connections map[*Connection]bool

	redis  *redis.Client
	pubsub *redis.PubSub

	mu sync.RWMutex

	register   chan *Connection
	unregister chan *Connection

	ctx    context.Context
	cancel context.CancelFunc

	instanceID string
	remote     RemoteFunc
	publishFn  func(ctx context.Context, channel string, payload []byte) error
}

// NewHub creates a feed hub. A nil redis client keeps the feed local.
func NewHub(redisClient *redis.Client, remote RemoteFunc) *Hub {
	return NewHubWithInstanceID(redisClient, remote, uuid.NewString())
}

// NewHubWithInstanceID creates a feed hub with explicit instance identifier.
func NewHubWithInstanceID(redisClient *redis.Client, remote RemoteFunc, instanceID string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		connections: make(map[*Connection]bool),
		redis:       redisClient,
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		ctx:         ctx,
		cancel:      cancel,
		instanceID:  instanceID,
		remote:      remote,
	}

	if redisClient != nil {
		h.pubsub = redisClient.Subscribe(ctx, EventsChannel)
		h.publishFn = func(ctx context.Context, channel string, payload []byte) error {
			return redisClient.Publish(ctx, channel, payload).Err()
		}
	}

	return h
}

// Run starts the hub (call in goroutine)
func (h *Hub) Run() {
	if h.pubsub != nil {
		go h.runRedisSubscriber()
	}

	for {
		select {
		case <-h.ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = true
			h.mu.Unlock()
			feedConnectionsGauge.Add(1)
			log.Debug().Str("principal", conn.Principal).Msg("Feed client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.Send)
				feedConnectionsGauge.Add(-1)
			}
			h.mu.Unlock()
			log.Debug().Str("principal", conn.Principal).Msg("Feed client disconnected")
		}
	}
}

func (h *Hub) runRedisSubscriber() {
	ch := h.pubsub.Channel()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.handleRemotePayload(msg.Payload)
		}
	}
}

func (h *Hub) handleRemotePayload(payload string) {
	var msg remoteMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Warn().Err(err).Msg("Malformed feed message")
		return
	}
	if msg.SenderInstanceID == h.instanceID {
		return
	}

	if h.remote != nil {
		h.remote(msg.Event)
	}

	data, err := json.Marshal(msg.Event)
	if err != nil {
		return
	}
	h.broadcastLocal(data)
}

// Observe publishes a confirmed ledger event. Local clients get it directly;
// other instances get it through Redis and skip their own messages.
func (h *Hub) Observe(ctx context.Context, e ledger.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal feed event")
		return
	}
	h.broadcastLocal(data)

	if h.publishFn == nil {
		return
	}
	payload, err := json.Marshal(remoteMessage{Event: e, SenderInstanceID: h.instanceID})
	if err != nil {
		return
	}
	// the write is already committed; a slow Redis only costs the fan-out
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := h.publishFn(pubCtx, EventsChannel, payload); err != nil {
		log.Error().Err(err).Str("channel", EventsChannel).Str("event_type", string(e.Type)).Msg("Redis publish failed")
	}
}

// broadcastLocal sends data to clients connected to THIS server
func (h *Hub) broadcastLocal(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.connections {
		select {
		case conn.Send <- data:
			feedEventsSentTotal.Add(1)
		default:
			feedEventsDroppedTotal.Add(1)
			log.Warn().Str("principal", conn.Principal).Msg("Feed send buffer full")
		}
	}
}

// Register adds a connection
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.ctx.Done():
	}
}

// Unregister removes a connection
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.ctx.Done():
	}
}

// ConnectionCount returns number of local connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Shutdown gracefully shuts down the hub
func (h *Hub) Shutdown() {
	h.cancel()
	if h.pubsub != nil {
		h.pubsub.Close()
	}
}
