package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/grantcarthew/cdpmux/internal/browser"
)

// DefaultTimeout bounds the reconnect dial, each replayed command and the
// commands sent when a target attaches. Caller commands have no default timeout.
const DefaultTimeout = 30 * time.Second

const tracerName = "github.com/grantcarthew/cdpmux/internal/cdp"

// ClientState is the lifecycle state of a Client.
type ClientState int

const (
	// ClientOpen accepts commands.
	ClientOpen ClientState = iota
	// ClientCrashed means the target crashed; commands are refused.
	ClientCrashed
	// ClientClosed is terminal; commands are refused.
	ClientClosed
)

// String returns a human-readable name for the client state.
func (s ClientState) String() string {
	switch s {
	case ClientOpen:
		return "open"
	case ClientCrashed:
		return "crashed"
	case ClientClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Observer is notified of protocol-level lifecycle events.
type Observer interface {
	// Reconnected is called after every successful reconnect.
	Reconnected()
}

// NetworkEnableOptioner may be implemented by an Observer to supply the
// Network.enable parameters used for newly attached targets.
type NetworkEnableOptioner interface {
	NetworkEnableOptions() map[string]any
}

// Config holds client configuration.
type Config struct {
	Endpoint Endpoint

	// FullyManageTabs makes the client react to Target.attachedToTarget.
	FullyManageTabs bool

	Observer Observer

	// OnAsyncError receives failures not tied to a Send, such as a lost
	// connection that could not be restored.
	OnAsyncError func(AsyncError)

	// OnReconnect is called after each successful reconnect, once replay
	// has finished and the Observer has been notified.
	OnReconnect func(*Client)

	// BrowserClient is the browser-level client when this client drives a
	// single tab. Its target crash events are watched as well.
	BrowserClient *Client

	// Dialer opens the transport. Defaults to DialWebSocket.
	Dialer Dialer

	ReconnectTimeout time.Duration
	ReplayTimeout    time.Duration

	// HeartbeatInterval enables periodic probing of the connection so a
	// stalled socket is detected and reconnected. Zero disables it.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Logger  *zap.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Dialer:           DialWebSocket,
		ReconnectTimeout: DefaultTimeout,
		ReplayTimeout:    DefaultTimeout,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Dialer == nil {
		cfg.Dialer = def.Dialer
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = def.ReconnectTimeout
	}
	if cfg.ReplayTimeout <= 0 {
		cfg.ReplayTimeout = def.ReplayTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return cfg
}

// Client is a resilient CDP client.
//
// An owning Client holds the Connection, reconnects it when the transport
// drops and replays enable commands on the new one. Session clients
// created with Session or AttachSession share their owner's Connection
// and keep only their own crash and close state.
type Client struct {
	cfg       Config
	logger    *zap.Logger
	parent    *Client // nil for owning clients
	targetID  string
	sessionID string

	mu     sync.Mutex
	state  ClientState
	notify chan struct{} // closed and replaced on every state change
	offs   []func()

	// Fields below are used by owning clients only.
	wsURL      string
	conn       *Connection
	next       *Connection // being prepared by the reconnect coordinator
	generation uint64
	link       ReconnectState
	enabled    []enableRecord
	subs       []*subscription
	children   map[*Client]struct{}
	sessions   *SessionManager
	closing    chan struct{}
	done       chan struct{}
}

// enableRecord is a successfully sent enable command kept for replay.
type enableRecord struct {
	method    string
	params    any
	sessionID string
	key       string
}

// subscription is a Client-level event handler that survives reconnects.
type subscription struct {
	method    string
	sessionID string
	fn        func(Event)
	off       func()
}

// New connects to cfg.Endpoint and returns an owning Client.
// Failure to resolve or dial the endpoint returns a *ConnectError.
func New(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	wsURL, err := cfg.Endpoint.resolve(ctx)
	if err != nil {
		return nil, &ConnectError{Endpoint: cfg.Endpoint.String(), Err: err}
	}

	raw, err := cfg.Dialer(ctx, wsURL)
	if err != nil {
		return nil, &ConnectError{Endpoint: wsURL, Err: err}
	}

	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("target", cfg.Endpoint.TargetID())),
		targetID: cfg.Endpoint.TargetID(),
		notify:   make(chan struct{}),
		wsURL:    wsURL,
		link:     StateConnected,
		children: make(map[*Client]struct{}),
		sessions: NewSessionManager(),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.conn = NewConnection(raw, c.logger)
	c.installHandlers()

	go c.supervise(c.conn)
	if cfg.HeartbeatInterval > 0 {
		go c.heartbeat()
	}

	c.logger.Debug("CDP client connected", zap.String("url", wsURL))
	return c, nil
}

// installHandlers subscribes to the target lifecycle events the client tracks.
func (c *Client) installHandlers() {
	if c.cfg.Endpoint.HasHost() {
		c.subscribe("Target.targetCrashed", "", c.handleTargetCrashed)
		if b := c.cfg.BrowserClient; b != nil {
			c.offs = append(c.offs, b.On("Target.targetCrashed", c.handleTargetCrashed))
		}
	}
	if c.cfg.FullyManageTabs {
		c.subscribe("Target.attachedToTarget", "", c.handleAttachedToTarget)
		c.subscribe("Target.detachedFromTarget", "", c.handleDetachedFromTarget)
	}
}

// Send sends a command on the client's own session and waits for the result.
//
// Commands refused because the client crashed or closed fail with a
// *CommandError and never reach the transport. Commands that fail because
// the transport dropped are retried after the next successful reconnect.
func (c *Client) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.SendToSession(ctx, c.sessionID, method, params)
}

// SendToSession sends a command scoped to sessionID.
func (c *Client) SendToSession(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	ctx, span := c.cfg.Tracer.Start(ctx, "cdp.send", trace.WithAttributes(
		attribute.String("cdp.method", method),
		attribute.String("cdp.session_id", sessionID),
	))
	defer span.End()

	result, err := c.send(ctx, method, params, sessionID)
	c.cfg.Metrics.observeCommand(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (c *Client) send(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	root := c.owner()
	for {
		if err := c.checkState(method); err != nil {
			return nil, err
		}

		root.mu.Lock()
		conn, gen := root.conn, root.generation
		root.mu.Unlock()

		result, err := conn.Call(ctx, method, params, sessionID)
		if err == nil {
			if isEnableCommand(method) && !root.recordEnable(method, params, sessionID, gen) {
				// Answered by a Connection that has since been replaced.
				continue
			}
			return result, nil
		}
		if !IsTransient(err) {
			return nil, err
		}

		c.logger.Debug("parking command until reconnect",
			zap.String("method", method),
			zap.String("sessionId", sessionID),
			zap.Error(err))
		c.cfg.Metrics.observeParked()

		if err := c.awaitReconnect(ctx, method, gen); err != nil {
			return nil, err
		}
	}
}

// checkState returns the error for a command the client must refuse.
func (c *Client) checkState(method string) error {
	for cl := c; cl != nil; cl = cl.parent {
		switch cl.State() {
		case ClientCrashed:
			return &CommandError{Method: method, Err: ErrCrashed}
		case ClientClosed:
			return &CommandError{Method: method, Err: ErrReset}
		}
	}
	return nil
}

// awaitReconnect blocks until the owner installs a Connection newer than gen,
// the client stops accepting commands, or ctx is done.
func (c *Client) awaitReconnect(ctx context.Context, method string, gen uint64) error {
	root := c.owner()
	for {
		if err := c.checkState(method); err != nil {
			return err
		}

		root.mu.Lock()
		reconnected := root.generation > gen
		rootCh := root.notify
		root.mu.Unlock()
		if reconnected {
			return nil
		}

		var ownCh chan struct{}
		if c != root {
			c.mu.Lock()
			ownCh = c.notify
			c.mu.Unlock()
		}

		select {
		case <-rootCh:
		case <-ownCh:
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", method, ctx.Err())
		}
	}
}

// recordEnable remembers an enable command that succeeded on the Connection
// of generation gen. Identical repeats are kept once, at their first
// position. It returns false without recording when that Connection has
// already been replaced, as the new one has not seen the command.
func (c *Client) recordEnable(method string, params any, sessionID string, gen uint64) bool {
	key := method + "\x00" + sessionID
	if params != nil {
		if data, err := json.Marshal(params); err == nil {
			key += "\x00" + string(data)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ClientClosed {
		return true
	}
	if c.generation != gen {
		return false
	}
	for _, rec := range c.enabled {
		if rec.key == key {
			return true
		}
	}
	c.enabled = append(c.enabled, enableRecord{
		method:    method,
		params:    params,
		sessionID: sessionID,
		key:       key,
	})
	return true
}

// EnabledCommands returns the recorded enable methods in replay order.
func (c *Client) EnabledCommands() []string {
	root := c.owner()
	root.mu.Lock()
	defer root.mu.Unlock()

	methods := make([]string, 0, len(root.enabled))
	for _, rec := range root.enabled {
		methods = append(methods, rec.method)
	}
	return methods
}

// On registers a handler for events with the given method. Handlers
// survive reconnects. A session client only sees its own session's events.
// The returned function removes the handler. On a closed client it
// registers nothing.
func (c *Client) On(method string, handler func(Event)) func() {
	if c.Closed() {
		return func() {}
	}
	off := c.owner().subscribe(method, c.sessionID, handler)
	if c.parent != nil {
		c.mu.Lock()
		if c.state == ClientClosed {
			c.mu.Unlock()
			off()
			return func() {}
		}
		c.offs = append(c.offs, off)
		c.mu.Unlock()
	}
	return off
}

// subscribe registers a handler on the current Connection and remembers it
// for the ones that replace it.
func (c *Client) subscribe(method, sessionID string, fn func(Event)) func() {
	sub := &subscription{method: method, sessionID: sessionID, fn: fn}

	c.mu.Lock()
	sub.off = c.registerLocked(sub)
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.subs {
				if s == sub {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					break
				}
			}
			sub.off()
		})
	}
}

// registerLocked adds sub to the current Connection and to the one being
// prepared, if any. c.mu must be held.
func (c *Client) registerLocked(sub *subscription) func() {
	off := c.conn.OnSession(sub.method, sub.sessionID, sub.fn)
	if c.next == nil {
		return off
	}
	offNext := c.next.OnSession(sub.method, sub.sessionID, sub.fn)
	return func() {
		off()
		offNext()
	}
}

// Close stops the client. Commands parked for retry are rejected with the
// reset error and the enable record is released. Closing an owning client
// tears down its Connection and its session clients; closing a session
// client leaves the Connection alone.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = ClientClosed
	c.signalLocked()
	offs := c.offs
	c.offs = nil

	var conn *Connection
	var children []*Client
	if c.parent == nil {
		conn = c.conn
		c.enabled = nil
		close(c.closing)
		for child := range c.children {
			children = append(children, child)
		}
	}
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}

	if c.parent != nil {
		c.parent.forgetChild(c)
		c.logger.Debug("CDP session client closed")
		return nil
	}

	for _, child := range children {
		_ = child.Close()
	}

	c.logger.Debug("CDP client closed")
	return conn.Close()
}

// Clone returns a new client with the same configuration and independent
// state. An owning client is cloned onto a fresh Connection to the same
// endpoint; a session client is cloned onto its owner's Connection.
func (c *Client) Clone(ctx context.Context) (*Client, error) {
	if c.parent != nil {
		return c.parent.AttachSession(c.targetID, c.sessionID), nil
	}
	return New(ctx, c.cfg)
}

// NewTab opens a new browser tab at url through the browser's HTTP endpoint.
// Only clients created with host information can do this.
func (c *Client) NewTab(ctx context.Context, url string) (*browser.Target, error) {
	ep := c.owner().cfg.Endpoint
	if !ep.HasHost() {
		return nil, ErrNoHost
	}
	return browser.CreateTarget(ctx, ep.Host, ep.port(), url)
}

// State returns the client's lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Crashed reports whether the client's target crashed.
func (c *Client) Crashed() bool { return c.State() == ClientCrashed }

// Closed reports whether Close was called.
func (c *Client) Closed() bool { return c.State() == ClientClosed }

// Endpoint returns the endpoint the client was created for.
func (c *Client) Endpoint() Endpoint { return c.cfg.Endpoint }

// TargetID returns the identifier of the client's target.
func (c *Client) TargetID() string { return c.targetID }

// SessionID returns the session the client is scoped to, empty for owning clients.
func (c *Client) SessionID() string { return c.sessionID }

// FullyManageTabs reports whether the client handles target attachment.
func (c *Client) FullyManageTabs() bool { return c.cfg.FullyManageTabs }

// Sessions returns the targets attached while fully managing tabs.
func (c *Client) Sessions() *SessionManager { return c.owner().sessions }

func (c *Client) owner() *Client {
	if c.parent != nil {
		return c.parent
	}
	return c
}

// signalLocked wakes every goroutine waiting on the client. c.mu must be held.
func (c *Client) signalLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// handleTargetCrashed marks the client crashed when its own target crashes.
func (c *Client) handleTargetCrashed(evt Event) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return
	}
	if !c.matchesTarget(params.TargetID) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientOpen {
		return
	}
	c.state = ClientCrashed
	c.signalLocked()
	c.logger.Warn("CDP target crashed", zap.String("targetId", params.TargetID))
}

func (c *Client) matchesTarget(id string) bool {
	if c.parent != nil {
		return id != "" && id == c.targetID
	}
	return c.cfg.Endpoint.matches(id)
}

// closingContext returns a context bounded by timeout and cancelled when
// the owning client closes.
func (c *Client) closingContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	root := c.owner()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-root.closing:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
