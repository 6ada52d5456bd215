package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"battle-sync/internal/domain"
	"battle-sync/pkg/logger"
)

// Phoenix channel events
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"

	phoenixTopic = "phoenix"
)

// Defaults for the realtime client
const (
	DefaultHeartbeat  = 25 * time.Second
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second

	writeTimeout = 5 * time.Second
)

// Channel describes one postgres_changes stream
type Channel struct {
	Name   string
	Schema string
	Table  string
	Filter string // PostgREST style, e.g. "battle_id=eq.<id>"
}

// Handler receives raw row changes. It runs on the read loop and must not block.
type Handler func(domain.RowChange)

// Options configures a Client
type Options struct {
	APIKey      string
	AccessToken string
	Heartbeat   time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Dialer      *websocket.Dialer
}

type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

// Client is a Supabase Realtime client speaking the Phoenix channel protocol
type Client struct {
	endpoint string
	opts     Options
	log      *logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]*Subscription
	ref  uint64

	writeMu sync.Mutex
}

// NewClient creates a realtime client for the websocket endpoint
func NewClient(endpoint string, opts Options, log *logger.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid realtime endpoint scheme %q", u.Scheme)
	}
	q := u.Query()
	if opts.APIKey != "" {
		q.Set("apikey", opts.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &Client{
		endpoint: u.String(),
		opts:     opts,
		log:      log.Named("realtime"),
		subs:     make(map[string]*Subscription),
	}, nil
}

// Subscription is a scoped handle on one channel. Unsubscribe is idempotent and safe to defer.
type Subscription struct {
	client  *Client
	topic   string
	channel Channel
	handler Handler
	once    sync.Once
}

// Topic returns the Phoenix topic of the subscription
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe stops delivery and leaves the channel
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.remove(s)
	})
}

// Subscribe registers handler for ch. When connected the channel is joined immediately,
// otherwise on the next connect.
func (c *Client) Subscribe(ch Channel, handler Handler) (*Subscription, error) {
	if ch.Table == "" {
		return nil, errors.New("realtime channel needs a table")
	}
	if handler == nil {
		return nil, errors.New("realtime handler is nil")
	}
	if ch.Schema == "" {
		ch.Schema = "public"
	}
	name := ch.Name
	if name == "" {
		name = ch.Table
	}

	sub := &Subscription{
		client:  c,
		topic:   "realtime:" + name + ":" + uuid.NewString()[:8],
		channel: ch,
		handler: handler,
	}

	c.mu.Lock()
	c.subs[sub.topic] = sub
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.join(conn, sub); err != nil {
			// rejoined on reconnect
			c.log.WithError(err).WithField("topic", sub.topic).Warn("Failed to join realtime channel")
		}
	}
	return sub, nil
}

// SubscribeBattle follows the battle row and its player rows for one battle.
// The returned func leaves both channels.
func (c *Client) SubscribeBattle(battleID string, handler func(domain.RowChange)) (func(), error) {
	channels := []Channel{
		{Name: "battle", Table: domain.TableBattles, Filter: "id=eq." + battleID},
		{Name: "battle-players", Table: domain.TableBattlePlayers, Filter: "battle_id=eq." + battleID},
	}

	subs := make([]*Subscription, 0, len(channels))
	unsubscribe := func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
	for _, ch := range channels {
		sub, err := c.Subscribe(ch, handler)
		if err != nil {
			unsubscribe()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return unsubscribe, nil
}

func (c *Client) remove(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub.topic)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.send(conn, sub.topic, eventLeave, struct{}{}); err != nil {
			c.log.WithError(err).WithField("topic", sub.topic).Debug("Failed to leave realtime channel")
		}
	}
	c.log.WithField("topic", sub.topic).Debug("Unsubscribed from realtime channel")
}

// Run connects and keeps the connection alive, reconnecting with capped exponential
// backoff until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = c.opts.MinBackoff
		}
		c.log.WithError(err).WithField("retry_in", backoff.String()).Warn("Realtime connection lost, reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

// session runs one connection until it fails. It reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial realtime: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	c.log.WithField("channels", len(subs)).Info("Realtime connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	go func() {
		<-sessionCtx.Done()
		// unblocks ReadMessage
		_ = conn.Close()
	}()

	for _, sub := range subs {
		if err := c.join(conn, sub); err != nil {
			return true, err
		}
	}

	go c.heartbeat(sessionCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read realtime: %w", err)
		}
		c.dispatch(data)
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(conn, phoenixTopic, eventHeartbeat, struct{}{}); err != nil {
				c.log.WithError(err).Debug("Realtime heartbeat failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) join(conn *websocket.Conn, sub *Subscription) error {
	change := map[string]string{
		"event":  "*",
		"schema": sub.channel.Schema,
		"table":  sub.channel.Table,
	}
	if sub.channel.Filter != "" {
		change["filter"] = sub.channel.Filter
	}
	payload := map[string]interface{}{
		"config": map[string]interface{}{
			"broadcast":        map[string]bool{"self": false},
			"presence":         map[string]string{"key": ""},
			"postgres_changes": []map[string]string{change},
		},
	}
	if c.opts.AccessToken != "" {
		payload["access_token"] = c.opts.AccessToken
	}
	return c.send(conn, sub.topic, eventJoin, payload)
}

func (c *Client) send(conn *websocket.Conn, topic, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ref++
	ref := strconv.FormatUint(c.ref, 10)
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(message{Topic: topic, Event: event, Payload: raw, Ref: &ref})
}

func (c *Client) dispatch(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(err).Warn("Dropped malformed realtime frame")
		return
	}

	switch msg.Event {
	case eventReply, eventHeartbeat:
		return
	case eventError, eventClose:
		c.log.WithFields(map[string]interface{}{
			"topic": msg.Topic,
			"event": msg.Event,
		}).Warn("Realtime channel closed by server")
		return
	}

	c.mu.Lock()
	sub := c.subs[msg.Topic]
	c.mu.Unlock()
	if sub == nil {
		return
	}

	change, ok := ParseChange(msg.Event, msg.Payload)
	if !ok {
		c.log.WithFields(map[string]interface{}{
			"topic": msg.Topic,
			"event": msg.Event,
		}).Debug("Ignored realtime message")
		return
	}
	sub.handler(change)
}

// ParseChange decodes a postgres change payload on a best-effort basis. Both the
// postgres_changes envelope and the legacy INSERT/UPDATE/DELETE events are accepted.
func ParseChange(event string, payload json.RawMessage) (domain.RowChange, bool) {
	type changeData struct {
		Table      string                 `json:"table"`
		Type       string                 `json:"type"`
		EventType  string                 `json:"eventType"`
		Record     map[string]interface{} `json:"record"`
		OldRecord  map[string]interface{} `json:"old_record"`
		New        map[string]interface{} `json:"new"`
		Old        map[string]interface{} `json:"old"`
		CommitTime string                 `json:"commit_timestamp"`
	}

	var data changeData
	switch event {
	case eventChanges:
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return domain.RowChange{}, false
		}
		raw := envelope.Data
		if len(raw) == 0 {
			raw = payload
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return domain.RowChange{}, false
		}
	case "INSERT", "UPDATE", "DELETE":
		if err := json.Unmarshal(payload, &data); err != nil {
			return domain.RowChange{}, false
		}
		if data.Type == "" {
			data.Type = event
		}
	default:
		return domain.RowChange{}, false
	}

	change := domain.RowChange{
		Table:     data.Table,
		Type:      data.Type,
		Record:    data.Record,
		OldRecord: data.OldRecord,
		Raw:       payload,
	}
	if change.Type == "" {
		change.Type = data.EventType
	}
	if change.Record == nil {
		change.Record = data.New
	}
	if change.OldRecord == nil {
		change.OldRecord = data.Old
	}
	if change.Table == "" {
		return domain.RowChange{}, false
	}
	return change, true
}
