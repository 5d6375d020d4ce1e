package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fiscalhub/fiscsync/gateway"
	"github.com/fiscalhub/fiscsync/types"
	"github.com/fiscalhub/fiscsync/utils"
)

type ChannelState int32

const (
	ChannelStateStopped ChannelState = iota
	ChannelStateStarting
	ChannelStateRunning
	ChannelStateStopping
	ChannelStateReconnecting
)

type authFrame struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

type subscribeFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Channel is one long-lived push connection bound to a feature area.
// Each session replays the same handshake: an auth frame carrying the
// bearer token, then a subscribe frame listing the topics. Inbound
// events are applied to the cache through the mutator registered for
// their type; unknown types are ignored.
type Channel struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            types.Logger
	store             types.CacheStore
	tokens            types.TokenSource
	config            *types.ChannelConfig
	metrics           types.MetricsManager
	url               string
	topics            []string
	mutators          map[string]types.Mutator
	clientID          string
	conn              *websocket.Conn
	connMu            sync.RWMutex
	reconnectCh       chan struct{}
	state             atomic.Value
	reconnectAttempts int32
	shutdownTimeout   time.Duration
}

func NewChannel(ctx context.Context, logger types.Logger, store types.CacheStore, tokens types.TokenSource, config *types.ChannelConfig, metrics types.MetricsManager, url string, topics []string, mutators map[string]types.Mutator) (*Channel, error) {
	if len(topics) == 0 {
		return nil, types.ErrNoTopics
	}
	for eventType, mutator := range mutators {
		if mutator == nil {
			return nil, types.Errorf(types.ErrMutatorIsNil, "event type: %s", eventType)
		}
	}

	channelCtx, cancel := context.WithCancel(ctx)

	c := &Channel{
		ctx:             channelCtx,
		cancel:          cancel,
		logger:          logger,
		store:           store,
		tokens:          tokens,
		config:          config,
		metrics:         metrics,
		url:             url,
		topics:          topics,
		mutators:        mutators,
		clientID:        uuid.NewString(),
		reconnectCh:     make(chan struct{}, 1),
		shutdownTimeout: 10 * time.Second,
	}

	c.state.Store(ChannelStateStopped)

	logger.Info("Push channel initialized",
		zap.String("url", url),
		zap.Strings("topics", topics),
		zap.Int("max_attempts", config.MaxAttempts))

	return c, nil
}

func (c *Channel) Topics() []string {
	topics := make([]string, len(c.topics))
	copy(topics, c.topics)
	return topics
}

func (c *Channel) Start() error {
	if !c.transitionState(ChannelStateStopped, ChannelStateStarting) {
		return types.ErrChannelAlreadyRunning
	}

	defer func() {
		if c.getState() == ChannelStateStarting {
			c.setState(ChannelStateRunning)
		}
	}()

	if err := c.connect(); err != nil {
		c.setState(ChannelStateStopped)
		c.logger.Error("Failed to establish initial connection", zap.Error(err))
		return types.WrapError(err, "failed to establish initial connection")
	}

	go c.readPump()
	go c.pingLoop()
	go c.reconnectLoop()

	c.logger.Info("Push channel started", zap.Strings("topics", c.topics))
	return nil
}

// Stop tears the channel down for good. Pending reconnection backoff is
// abandoned; no further attempts fire after Stop returns.
func (c *Channel) Stop() error {
	if !c.transitionState(ChannelStateRunning, ChannelStateStopping) &&
		!c.transitionState(ChannelStateReconnecting, ChannelStateStopping) {
		return types.ErrChannelNotRunning
	}

	defer func() {
		c.setState(ChannelStateStopped)
	}()

	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Close before taking the write lock; a pump blocked in
		// ReadMessage holds the read lock until the conn dies.
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				c.logger.Debug("Connection close", zap.Error(err))
			}
		}

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		return nil
	})

	if err := g.Wait(); err != nil {
		c.logger.Error("Error during channel shutdown", zap.Error(err))
	} else {
		c.logger.Info("Push channel stopped gracefully", zap.Strings("topics", c.topics))
	}

	return nil
}

func (c *Channel) IsRunning() bool {
	state := c.getState()
	return state == ChannelStateRunning || state == ChannelStateReconnecting
}

func (c *Channel) getState() ChannelState {
	return c.state.Load().(ChannelState)
}

func (c *Channel) setState(newState ChannelState) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *Channel) transitionState(from, to ChannelState) bool {
	return c.state.CompareAndSwap(from, to)
}

// connect dials the endpoint and replays the session handshake. A
// successful open resets the reconnection attempt counter.
func (c *Channel) connect() error {
	c.logger.Debug("Connecting to push endpoint", zap.String("url", c.url))

	dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return types.WrapError(err, "failed to dial push endpoint")
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.connMu.Unlock()

	atomic.StoreInt32(&c.reconnectAttempts, 0)

	c.logger.Info("Connected to push endpoint", zap.Strings("topics", c.topics))
	return nil
}

func (c *Channel) handshake(conn *websocket.Conn) error {
	token := ""
	if c.tokens != nil {
		token = c.tokens.Token()
	}

	frames := []interface{}{
		&authFrame{Type: "auth", Token: token, ClientID: c.clientID},
		&subscribeFrame{Type: "subscribe", Channels: c.topics},
	}

	for _, frame := range frames {
		data, err := utils.Marshal(frame)
		if err != nil {
			return types.WrapError(err, "failed to marshal handshake frame")
		}

		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return types.WrapError(err, "failed to send handshake frame")
		}
	}

	return nil
}

func (c *Channel) reconnectLoop() {
	defer c.logger.Debug("Reconnect loop stopped")

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectCh:
			if !c.IsRunning() {
				return
			}

			if c.getState() == ChannelStateRunning {
				c.setState(ChannelStateReconnecting)
			}

			retryCount := atomic.LoadInt32(&c.reconnectAttempts)

			if int(retryCount) >= c.config.MaxAttempts {
				c.logger.Error("Max reconnection attempts reached, giving up",
					zap.Int("max_attempts", c.config.MaxAttempts),
					zap.Strings("topics", c.topics))
				c.recordMetric("reconnect", "exhausted")

				if c.transitionState(ChannelStateReconnecting, ChannelStateStopping) {
					c.cancel()
					c.setState(ChannelStateStopped)
				}
				return
			}

			delay := BackoffDelay(c.config.BaseDelay, c.config.MaxDelay, retryCount)

			c.logger.Info("Scheduling reconnection attempt",
				zap.Int32("attempt", retryCount+1),
				zap.Duration("delay", delay))

			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				return
			}

			atomic.AddInt32(&c.reconnectAttempts, 1)

			if err := c.connect(); err != nil {
				c.logger.Error("Reconnection attempt failed",
					zap.Int32("attempt", atomic.LoadInt32(&c.reconnectAttempts)),
					zap.Error(err))
				c.recordMetric("reconnect", "error")

				c.safeReconnectTrigger()
				continue
			}

			c.setState(ChannelStateRunning)
			c.recordMetric("reconnect", "success")

			go c.readPump()
			go c.pingLoop()
		}
	}
}

func (c *Channel) safeReconnectTrigger() {
	select {
	case c.reconnectCh <- struct{}{}:
	case <-c.ctx.Done():
	default:
	}
}

func (c *Channel) readPump() {
	defer c.logger.Debug("Read pump stopped")

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if !c.IsRunning() {
				return
			}

			success := c.withConnection(func(conn *websocket.Conn) error {
				_, messageData, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						c.logger.Debug("Push connection closed", zap.Error(err))
					}
					return err
				}

				c.dispatch(messageData)
				return nil
			})

			if !success && c.IsRunning() {
				c.safeReconnectTrigger()
				return
			}
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.logger.Debug("Ping loop stopped")
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.IsRunning() {
				return
			}

			success := c.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
				return conn.WriteMessage(websocket.PingMessage, nil)
			})

			if !success && c.IsRunning() {
				c.safeReconnectTrigger()
				return
			}
		}
	}
}

func (c *Channel) withConnection(fn func(*websocket.Conn) error) bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.conn == nil {
		return false
	}

	if err := fn(c.conn); err != nil {
		c.logger.Debug("Push connection operation failed", zap.Error(err))
		return false
	}

	return true
}

// dispatch applies one inbound frame. Malformed frames and unknown
// event types are dropped without touching the cache.
func (c *Channel) dispatch(messageData []byte) {
	start := time.Now()

	var message types.EventMessage
	if err := utils.Unmarshal(messageData, &message); err != nil {
		c.logger.Warn("Dropping malformed event", zap.Error(err))
		c.recordMetric("dispatch", "malformed")
		return
	}

	if message.Type == "" {
		c.logger.Warn("Dropping event without type")
		c.recordMetric("dispatch", "malformed")
		return
	}

	mutator, exists := c.mutators[message.Type]
	if !exists {
		c.logger.Debug("No mutator for event type", zap.String("type", message.Type))
		c.recordMetric("dispatch", "ignored")
		return
	}

	data := gateway.NormalizeEventData(message.Data)
	if err := mutator(c.store, data); err != nil {
		c.logger.Error("Mutator failed",
			zap.String("type", message.Type),
			zap.Error(err))
		c.recordMetric("dispatch", "error")
		return
	}

	c.logger.Debug("Event applied",
		zap.String("type", message.Type),
		zap.Duration("took", time.Since(start)))
	c.recordMetric("dispatch", "success")
}

func (c *Channel) recordMetric(operation, result string) {
	if c.metrics == nil {
		return
	}

	counter := c.metrics.Counter("channel_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	counter.Inc()
}
