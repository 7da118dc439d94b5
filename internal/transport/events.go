package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
)

// FatalEventsError is a server error that ends the subscription.
type FatalEventsError struct {
	Code    string
	Message string
}

func (e *FatalEventsError) Error() string {
	return fmt.Sprintf("events stream closed by server [%s]: %s", e.Code, e.Message)
}

// EventsClient follows the remote change notification stream,
// reconnecting with exponential backoff when the connection drops.
type EventsClient struct {
	url    string
	token  string
	device string
	logger *events.Logger

	events chan RemoteEvent

	mu   sync.Mutex
	conn *websocket.Conn

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration

	// Reconnect policy
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewEventsClient creates a client for the given ws(s) or http(s) URL.
func NewEventsClient(wsURL, token, device string, logger *events.Logger) *EventsClient {
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}

	return &EventsClient{
		url:            wsURL,
		token:          token,
		device:         device,
		logger:         logger.WithField("component", "events_client"),
		events:         make(chan RemoteEvent, 100),
		pingInterval:   30 * time.Second,
		pongTimeout:    10 * time.Second,
		initialBackoff: time.Second,
		maxBackoff:     time.Minute,
	}
}

// SetBackoff changes the reconnect delays.
func (c *EventsClient) SetBackoff(initial, max time.Duration) {
	c.initialBackoff = initial
	c.maxBackoff = max
}

// Events delivers remote changes. It is closed when Run returns.
func (c *EventsClient) Events() <-chan RemoteEvent {
	return c.events
}

// Run keeps a subscription open until ctx ends or the server reports a
// fatal error.
func (c *EventsClient) Run(ctx context.Context) error {
	defer close(c.events)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err := c.session(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var fatal *FatalEventsError
		if errors.As(err, &fatal) {
			c.logger.WithError(fatal).Error("Events subscription rejected")
			return fatal
		}

		wait := b.NextBackOff()
		c.logger.WithError(err).WithField("retry_in", wait.String()).Warn("Events connection lost")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to failure.
func (c *EventsClient) session(ctx context.Context, b *backoff.ExponentialBackOff) error {
	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	c.logger.WithField("url", c.url).Debug("Connecting to events stream")
	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connect failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	// unblock the read loop on shutdown
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sub, err := json.Marshal(models.SubscribeMessage{Token: c.token, Device: c.device})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	if err := c.write(conn, models.WSMessage{
		Type:      models.WSTypeSubscribe,
		Timestamp: time.Now().UTC(),
		Data:      sub,
	}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	c.logger.Info("Events stream connected")
	b.Reset()

	go c.pingLoop(conn, done)
	return c.readLoop(ctx, conn)
}

func (c *EventsClient) write(conn *websocket.Conn, msg models.WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *EventsClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	deadline := func() time.Time { return time.Now().Add(c.pongTimeout + c.pingInterval) }
	_ = conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		_ = conn.SetReadDeadline(deadline())

		msg, err := models.ParseWSMessage(raw)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping malformed event")
			continue
		}
		data, err := models.ParseMessageData(msg)
		if err != nil {
			c.logger.WithError(err).WithField("type", string(msg.Type)).Warn("Dropping unreadable event")
			continue
		}

		var ev RemoteEvent
		switch d := data.(type) {
		case *models.ObjChangedMessage:
			ev = RemoteEvent{Kind: RemoteChanged, ObjID: d.ObjID, Version: d.NewVersion}
		case *models.ObjRemovedMessage:
			ev = RemoteEvent{Kind: RemoteRemoved, ObjID: d.ObjID}
		case *models.ErrorMessage:
			if d.Fatal {
				return &FatalEventsError{Code: d.Code, Message: d.Message}
			}
			c.logger.WithFields(map[string]interface{}{
				"code":    d.Code,
				"message": d.Message,
			}).Warn("Events stream error")
			continue
		default:
			continue
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *EventsClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pongTimeout))
			c.mu.Unlock()
			if err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				return
			}
		case <-done:
			return
		}
	}
}
