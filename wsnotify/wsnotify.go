/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package wsnotify is a WebSocket push-notification transport. API requests
// and notifications travel over one connection as JSON arrays of
// [header, body]. It implements subscription.Transport.
package wsnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tejzpr/ringcentral-call-go/emitter"
	"github.com/tejzpr/ringcentral-call-go/subscription"
)

// Message types carried in the frame header
const (
	TypeClientRequest      = "ClientRequest"
	TypeServerNotification = "ServerNotification"
	TypeConnectionDetails  = "ConnectionDetails"
	TypeHeartbeat          = "Heartbeat"
	TypeError              = "Error"
)

// Config holds the configuration for the websocket transport
type Config struct {
	URL   string // websocket URL, e.g. the uri returned by /restapi/oauth/wstoken
	Token string // ws access token appended as access_token, optional

	Logger logrus.FieldLogger

	HandshakeTimeout time.Duration // Timeout for the websocket handshake
	PingInterval     time.Duration // Interval between ping messages
	PongTimeout      time.Duration // Timeout for receiving a pong response
	BackoffTimeMax   time.Duration // Maximum time between connection attempts
	BackoffTimeReset time.Duration // Initial time before the first retry
	MaxRetries       int           // Number of times to retry before giving up
	RequestTimeout   time.Duration // Timeout for a request sent over the websocket
	RenewHandicap    time.Duration // Renew this long before the subscription expires
}

// DefaultConfig returns the default configuration for the websocket transport
func DefaultConfig() *Config {
	return &Config{
		Logger:           logrus.StandardLogger(),
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		BackoffTimeMax:   32 * time.Second,
		BackoffTimeReset: 1 * time.Second,
		MaxRetries:       3,
		RequestTimeout:   30 * time.Second,
		RenewHandicap:    2 * time.Minute,
	}
}

func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	out.URL, out.Token = c.URL, c.Token
	if c.Logger != nil {
		out.Logger = c.Logger
	}
	if c.HandshakeTimeout > 0 {
		out.HandshakeTimeout = c.HandshakeTimeout
	}
	if c.PingInterval > 0 {
		out.PingInterval = c.PingInterval
	}
	if c.PongTimeout > 0 {
		out.PongTimeout = c.PongTimeout
	}
	if c.BackoffTimeMax > 0 {
		out.BackoffTimeMax = c.BackoffTimeMax
	}
	if c.BackoffTimeReset > 0 {
		out.BackoffTimeReset = c.BackoffTimeReset
	}
	if c.MaxRetries > 0 {
		out.MaxRetries = c.MaxRetries
	}
	if c.RequestTimeout > 0 {
		out.RequestTimeout = c.RequestTimeout
	}
	if c.RenewHandicap > 0 {
		out.RenewHandicap = c.RenewHandicap
	}
	return out
}

// Header is the first element of every frame
type Header struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	Status    int    `json:"status,omitempty"`
	WSC       *WSC   `json:"wsc,omitempty"`
}

// WSC identifies the websocket session for recovery after a reconnect
type WSC struct {
	Token string `json:"token"`
	SeqNo int    `json:"seq"`
}

type response struct {
	header Header
	body   json.RawMessage
	err    error
}

// Client is the websocket push-notification client
type Client struct {
	*emitter.Emitter

	config *Config
	log    logrus.FieldLogger

	mu             sync.Mutex
	writeMu        sync.Mutex
	conn           *websocket.Conn
	connected      bool
	connecting     bool
	attempt        chan struct{} // closed when the running connection attempt ends
	closeCh        chan struct{}
	done           chan struct{}
	pending        map[string]chan response
	retryCount     int
	currentBackoff time.Duration
	wsc            *WSC

	// subscription state, see subscription.go
	filters    []string
	descriptor *subscription.Descriptor
	renewTimer *time.Timer

	now func() time.Time
}

// New creates a websocket transport
func New(config *Config) *Client {
	config = config.withDefaults()
	return &Client{
		Emitter:        emitter.New(),
		config:         config,
		log:            config.Logger,
		closeCh:        make(chan struct{}),
		done:           make(chan struct{}),
		pending:        make(map[string]chan response),
		currentBackoff: config.BackoffTimeReset,
		now:            time.Now,
	}
}

// Connect establishes the websocket connection, retrying with exponential
// backoff.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		attempt := c.attempt
		c.mu.Unlock()
		select {
		case <-attempt:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !c.IsConnected() {
			return fmt.Errorf("connection attempt failed")
		}
		return nil
	}
	if c.config.URL == "" {
		c.mu.Unlock()
		return fmt.Errorf("no websocket URL configured")
	}
	c.beginConnectingLocked()
	c.mu.Unlock()

	return c.connectWithBackoff(ctx)
}

func (c *Client) beginConnectingLocked() {
	c.connecting = true
	c.attempt = make(chan struct{})
}

func (c *Client) endConnectingLocked() {
	c.connecting = false
	if c.attempt != nil {
		close(c.attempt)
		c.attempt = nil
	}
}

// Disconnect closes the websocket connection and fails pending requests
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.stopRenewLocked()
	if !c.connected && !c.connecting {
		c.mu.Unlock()
		return nil
	}

	close(c.closeCh)
	c.closeCh = make(chan struct{})

	conn := c.conn
	c.conn = nil
	c.connected = false
	c.endConnectingLocked()
	c.mu.Unlock()

	c.failPending(ErrClosed)
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by client"))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	return nil
}

// IsConnected returns whether the websocket is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) connectWithBackoff(ctx context.Context) error {
	c.mu.Lock()
	c.retryCount = 0
	c.currentBackoff = c.config.BackoffTimeReset
	closeCh := c.closeCh
	c.mu.Unlock()

	var err error
	for {
		err = c.attemptConnection(ctx)
		if err == nil || errors.Is(err, ErrClosed) {
			return err
		}

		c.mu.Lock()
		c.retryCount++
		retries, backoff := c.retryCount, c.currentBackoff
		c.currentBackoff *= 2
		if c.currentBackoff > c.config.BackoffTimeMax {
			c.currentBackoff = c.config.BackoffTimeMax
		}
		c.mu.Unlock()
		if retries > c.config.MaxRetries {
			break
		}

		c.log.WithError(err).WithField("retry", retries).Debug("Websocket connect failed, backing off")
		select {
		case <-time.After(backoff):
		case <-closeCh:
			return ErrClosed
		case <-ctx.Done():
			c.mu.Lock()
			c.endConnectingLocked()
			c.mu.Unlock()
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.endConnectingLocked()
	attempts := c.retryCount
	c.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %w", attempts, err)
}

func (c *Client) attemptConnection(ctx context.Context) error {
	wsURL, err := c.prepareWebSocketURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})

	c.mu.Lock()
	if !c.connecting {
		// Disconnect ran while dialing
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.endConnectingLocked()
	done := make(chan struct{})
	c.done = done
	closeCh := c.closeCh
	c.mu.Unlock()

	c.log.Info("Websocket connected")
	go c.listen(conn, done)
	go c.startPingPong(conn, done, closeCh)
	return nil
}

// prepareWebSocketURL adds the access token and, after a reconnect, the
// session recovery token.
func (c *Client) prepareWebSocketURL() (string, error) {
	parsed, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid WebSocket URL: %w", err)
	}
	query := parsed.Query()
	if c.config.Token != "" {
		query.Set("access_token", c.config.Token)
	}
	c.mu.Lock()
	if c.wsc != nil && c.wsc.Token != "" {
		query.Set("wsc", c.wsc.Token)
	}
	c.mu.Unlock()
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// listen reads frames until the connection fails
func (c *Client) listen(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(conn, err)
			return
		}
		c.processFrame(message)
	}
}

// processFrame dispatches one [header, body] frame
func (c *Client) processFrame(message []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(message, &parts); err != nil || len(parts) == 0 {
		c.log.WithError(err).Debug("Ignoring malformed frame")
		return
	}
	var header Header
	if err := json.Unmarshal(parts[0], &header); err != nil {
		c.log.WithError(err).Debug("Ignoring frame with malformed header")
		return
	}
	var body json.RawMessage
	if len(parts) > 1 {
		body = append(json.RawMessage(nil), parts[1]...)
	}

	if header.WSC != nil {
		c.mu.Lock()
		c.wsc = header.WSC
		c.mu.Unlock()
	}

	switch header.Type {
	case TypeClientRequest:
		c.deliver(header, body, nil)
	case TypeError:
		if header.MessageID != "" {
			c.deliver(header, body, newAPIError(header.Status, body))
			return
		}
		c.log.WithField("body", string(body)).Warn("Websocket error message")
	case TypeServerNotification:
		c.Emit(subscription.TransportEventNotification, body)
	case TypeConnectionDetails:
		c.log.WithField("details", string(body)).Debug("Websocket connection details")
	case TypeHeartbeat:
	default:
		c.log.WithField("type", header.Type).Debug("Ignoring unknown frame type")
	}
}

func (c *Client) deliver(header Header, body json.RawMessage, err error) {
	c.mu.Lock()
	ch, ok := c.pending[header.MessageID]
	delete(c.pending, header.MessageID)
	c.mu.Unlock()
	if !ok {
		c.log.WithField("messageId", header.MessageID).Debug("Response for unknown request")
		return
	}
	ch <- response{header: header, body: body, err: err}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan response)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- response{err: err}
	}
}

// request sends a ClientRequest and waits for its response. Statuses of 400
// and above are returned as *APIError.
func (c *Client) request(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	header := Header{
		Type:      TypeClientRequest,
		MessageID: uuid.NewString(),
		Method:    method,
		Path:      path,
	}
	ch := make(chan response, 1)
	c.pending[header.MessageID] = ch
	c.mu.Unlock()

	frame := []interface{}{header}
	if body != nil {
		frame = append(frame, body)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.dropPending(header.MessageID)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(header.MessageID)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.header.Status >= 400 {
			return nil, newAPIError(res.header.Status, res.body)
		}
		return res.body, nil
	case <-timer.C:
		c.dropPending(header.MessageID)
		return nil, fmt.Errorf("%s %s timed out after %s", method, path, c.config.RequestTimeout)
	case <-ctx.Done():
		c.dropPending(header.MessageID)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) handleConnectionError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// replaced or closed by Disconnect
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.beginConnectingLocked()
	closeCh := c.closeCh
	c.mu.Unlock()

	c.log.WithError(err).Warn("Websocket connection lost, reconnecting")
	_ = conn.Close()
	c.failPending(ErrClosed)

	select {
	case <-closeCh:
		return
	default:
	}
	go c.reconnect()
}

// reconnect restores the connection and renews the subscription it carried
func (c *Client) reconnect() {
	ctx := context.Background()
	if err := c.connectWithBackoff(ctx); err != nil {
		c.log.WithError(err).Error("Websocket reconnect failed")
		c.Emit(subscription.TransportEventAutomaticRenewError, err)
		return
	}

	c.mu.Lock()
	hasSubscription := c.descriptor != nil
	c.mu.Unlock()
	if !hasSubscription {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	_ = c.renew(ctx, true)
}

func (c *Client) startPingPong(conn *websocket.Conn, done, closeCh chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ping(conn); err != nil {
				// the read loop sees the failure and reconnects
				_ = conn.Close()
				return
			}
		case <-closeCh:
			return
		case <-done:
			return
		}
	}
}

func (c *Client) ping(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout)); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.PingMessage, []byte(fmt.Sprintf("%d", time.Now().UnixMilli())))
}
