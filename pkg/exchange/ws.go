package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsReadLimit    = 5 * 1024 * 1024
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 20 * time.Second
)

// WSClient manages the single upstream websocket: dial, authentication,
// read/write pumps, and reconnection with exponential backoff plus
// resubscription of every tracked channel.
type WSClient struct {
	url    string
	key    string
	secret string
	log    *zap.SugaredLogger

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]map[string]struct{} // channel -> symbols

	send chan []byte
	recv chan []byte

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func NewWSClient(url, apiKey, apiSecret string, log *zap.SugaredLogger) *WSClient {
	return &WSClient{
		url:               url,
		key:               apiKey,
		secret:            apiSecret,
		log:               log,
		subs:              make(map[string]map[string]struct{}),
		send:              make(chan []byte, 256),
		recv:              make(chan []byte, 4096),
		reconnectDelay:    time.Second,
		maxReconnectDelay: 30 * time.Second,
		closed:            make(chan struct{}),
	}
}

// Connect dials the endpoint, authenticates when credentials are set,
// and starts the pump supervisor. The first dial failing is a hard
// error; later drops are retried with backoff.
func (c *WSClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	go c.supervise(ctx, conn)
	return nil
}

// Recv is the serialized inbound frame stream.
func (c *WSClient) Recv() <-chan []byte { return c.recv }

// Subscribe tracks the channel/symbols pair (for resubscription after
// reconnect) and sends the subscription frame.
func (c *WSClient) Subscribe(channel string, symbols []string) error {
	c.mu.Lock()
	set, ok := c.subs[channel]
	if !ok {
		set = make(map[string]struct{})
		c.subs[channel] = set
	}
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	c.mu.Unlock()
	return c.enqueue(subscriptionFrame("subscribe", channel, symbols))
}

// Unsubscribe stops tracking and sends the unsubscription frame.
func (c *WSClient) Unsubscribe(channel string, symbols []string) error {
	c.mu.Lock()
	if set, ok := c.subs[channel]; ok {
		for _, s := range symbols {
			delete(set, s)
		}
		if len(set) == 0 {
			delete(c.subs, channel)
		}
	}
	c.mu.Unlock()
	return c.enqueue(subscriptionFrame("unsubscribe", channel, symbols))
}

func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *WSClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func subscriptionFrame(action, channel string, symbols []string) []byte {
	frame := map[string]any{
		"type": action,
		"payload": map[string]any{
			"channels": []map[string]any{
				{"name": channel, "symbols": symbols},
			},
		},
	}
	data, _ := json.Marshal(frame)
	return data
}

func (c *WSClient) enqueue(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return context.Canceled
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	if c.key != "" {
		frame, err := authMessage(c.key, c.secret, time.Now().Unix())
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			conn.Close()
			return nil, err
		}
	}

	// Replay tracked subscriptions so a reconnect restores the feed.
	c.mu.Lock()
	for channel, set := range c.subs {
		symbols := make([]string, 0, len(set))
		for s := range set {
			symbols = append(symbols, s)
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, subscriptionFrame("subscribe", channel, symbols)); err != nil {
			c.mu.Unlock()
			conn.Close()
			return nil, err
		}
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Infow("ws_connected", "url", c.url)
	return conn, nil
}

// supervise runs the pumps and redials with exponential backoff when
// the connection drops.
func (c *WSClient) supervise(ctx context.Context, conn *websocket.Conn) {
	for {
		err := c.runPumps(ctx, conn)
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		c.log.Warnw("ws_disconnected", "err", err)

		delay := c.reconnectDelay
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case <-time.After(delay):
			}
			next, err := c.dial(ctx)
			if err == nil {
				conn = next
				break
			}
			c.log.Warnw("ws_reconnect_failed", "err", err, "next_retry", delay*2)
			delay *= 2
			if delay > c.maxReconnectDelay {
				delay = c.maxReconnectDelay
			}
		}
	}
}

// runPumps blocks until the connection fails or the context ends.
func (c *WSClient) runPumps(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case msg := <-c.send:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}
		select {
		case c.recv <- frame:
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		}
	}
}
