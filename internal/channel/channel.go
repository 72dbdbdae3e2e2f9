package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"teleclinic-engine/internal/models"
	"teleclinic-engine/pkg/utils"
)

// Dispatcher receives decoded queue-mutation events and connect
// notifications. The reconciler implements it.
type Dispatcher interface {
	HandleQueueEvent(ev models.QueueEvent)
	HandleConnected()
}

type CredentialSource interface {
	Identity() (models.DoctorIdentity, bool)
}

// Config holds the channel endpoint and timing knobs.
type Config struct {
	URL string

	BackoffBase time.Duration
	BackoffCap  time.Duration

	Heartbeat              time.Duration
	SubscribeRetryInterval time.Duration
	SubscribeRetryLimit    int
}

func (c *Config) withDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 25 * time.Second
	}
	if c.SubscribeRetryInterval <= 0 {
		c.SubscribeRetryInterval = 1 * time.Second
	}
	if c.SubscribeRetryLimit <= 0 {
		c.SubscribeRetryLimit = 10
	}
}

// Channel maintains the one persistent duplex connection to the pub/sub
// endpoint: subscribe handshake, heartbeat, reconnect with exponential
// backoff. All inbound frames are decoded here; only queue-mutation
// events reach the dispatcher.
type Channel struct {
	cfg      Config
	creds    CredentialSource
	dispatch Dispatcher

	mu          sync.Mutex
	state       models.ChannelState
	stateReason string
	conn        *websocket.Conn
	connCancel  context.CancelFunc
	attempts    int
	reconnect   *time.Timer
	observers   []func(models.ChannelState)

	writeMu sync.Mutex
}

func New(cfg Config, creds CredentialSource, dispatch Dispatcher) *Channel {
	cfg.withDefaults()
	return &Channel{
		cfg:      cfg,
		creds:    creds,
		dispatch: dispatch,
		state:    models.ChannelDisconnected,
	}
}

// Connect starts the connection lifecycle. It returns immediately; the
// channel keeps itself connected until ctx is cancelled.
func (c *Channel) Connect(ctx context.Context) {
	go c.dial(ctx)
}

// Close tears the connection down and cancels any pending reconnect.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.setState(models.ChannelDisconnected, "")
}

// State returns the current connection state and, for the error state,
// its reason.
func (c *Channel) State() (models.ChannelState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.stateReason
}

// OnState registers a connection-state observer.
func (c *Channel) OnState(fn func(models.ChannelState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Channel) dial(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.setState(models.ChannelConnecting, "")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		log.Printf("[Channel] Dial %s failed: %v", c.cfg.URL, err)
		c.fail(ctx, err)
		return
	}

	connCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.connCancel != nil {
		c.connCancel()
	}
	c.connCancel = cancel
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	c.setState(models.ChannelConnected, "")
	log.Printf("[Channel] Connected to %s", c.cfg.URL)

	go c.subscribeWithRetry(connCtx, conn)
	go c.heartbeat(connCtx, conn)
	go c.readLoop(ctx, connCtx, cancel, conn)

	c.dispatch.HandleConnected()
}

func (c *Channel) fail(ctx context.Context, cause error) {
	if ctx.Err() != nil {
		c.setState(models.ChannelDisconnected, "")
		return
	}
	c.setState(models.ChannelError, cause.Error())
	c.scheduleReconnect(ctx)
}

// scheduleReconnect cancels any pending reconnect and schedules a new
// one after the current backoff delay.
func (c *Channel) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.attempts++
	delay := BackoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, c.attempts)
	c.reconnect = time.AfterFunc(delay, func() { c.dial(ctx) })
	attempts := c.attempts
	c.mu.Unlock()

	utils.ChannelReconnects.Inc()
	log.Printf("[Channel] Reconnect attempt %d in %s", attempts, delay)
}

func (c *Channel) readLoop(ctx, connCtx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || connCtx.Err() != nil {
				c.setState(models.ChannelDisconnected, "")
				return
			}
			log.Printf("[Channel] Read failed: %v", err)
			c.fail(ctx, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[Channel] Dropping unparseable frame: %v", err)
		return
	}

	ev, ok, err := DecodeQueueEvent(env)
	if err != nil {
		log.Printf("[Channel] Dropping bad %s payload: %v", env.Event, err)
		return
	}
	if !ok {
		// System/unknown events are acknowledged silently.
		return
	}
	c.dispatch.HandleQueueEvent(ev)
}

// heartbeat keeps the connection alive while connected. A failed write
// closes the connection; the read loop then drives the reconnect.
func (c *Channel) heartbeat(connCtx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.send(conn, map[string]string{"event": "ping"}); err != nil {
				log.Printf("[Channel] Heartbeat failed: %v", err)
				conn.Close()
				return
			}
		case <-connCtx.Done():
			return
		}
	}
}

// subscribeWithRetry sends the subscribe handshake once the durable
// identity is known. Sign-in may still be in flight when the channel
// connects, so it retries for a bounded time and then subscribes with
// whatever partial identity exists rather than blocking forever.
func (c *Channel) subscribeWithRetry(connCtx context.Context, conn *websocket.Conn) {
	for attempt := 0; attempt < c.cfg.SubscribeRetryLimit; attempt++ {
		if ident, ok := c.creds.Identity(); ok {
			c.sendSubscribe(conn, ident)
			return
		}
		select {
		case <-time.After(c.cfg.SubscribeRetryInterval):
		case <-connCtx.Done():
			return
		}
	}

	ident, _ := c.creds.Identity()
	log.Printf("[Channel] Identity still incomplete after %d attempts, degraded subscribe", c.cfg.SubscribeRetryLimit)
	c.sendSubscribe(conn, ident)
}

type subscribeMessage struct {
	Event string        `json:"event"`
	Data  subscribeData `json:"data"`
}

type subscribeData struct {
	Channel string `json:"channel"`
}

func (c *Channel) sendSubscribe(conn *websocket.Conn, ident models.DoctorIdentity) {
	name := ChannelName(ident)
	if err := c.send(conn, subscribeMessage{Event: "subscribe", Data: subscribeData{Channel: name}}); err != nil {
		log.Printf("[Channel] Subscribe to %s failed: %v", name, err)
		conn.Close()
		return
	}
	log.Printf("[Channel] Subscribed to %s", name)
}

func (c *Channel) send(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Channel) setState(state models.ChannelState, reason string) {
	c.mu.Lock()
	if c.state == state && c.stateReason == reason {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.stateReason = reason
	observers := make([]func(models.ChannelState), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
}

// ChannelName derives the per-doctor channel from the durable identity,
// degrading to whatever identity half exists.
func ChannelName(ident models.DoctorIdentity) string {
	if ident.UserID > 0 {
		return fmt.Sprintf("doctor.%d", ident.UserID)
	}
	if ident.UserUUID != "" {
		return "doctor." + ident.UserUUID
	}
	return "doctor.pending"
}

// BackoffDelay computes min(base * 2^(attempt-1), cap) for the given
// 1-based attempt counter.
func BackoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

// DecodeQueueEvent unwraps a queue-mutation envelope. The data field is
// frequently double-encoded (a JSON string holding JSON) and handled
// either way. ok is false for any other event type.
func DecodeQueueEvent(env models.Envelope) (models.QueueEvent, bool, error) {
	var ev models.QueueEvent
	if env.Event != models.EventQueueMutation {
		return ev, false, nil
	}

	raw := []byte(env.Data)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return ev, false, err
		}
		raw = []byte(inner)
	}

	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, false, err
	}
	return ev, true, nil
}
