package targetapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/tribixbite/stoatcord-bridge/internal/metrics"
)

// SessionState is the WebSocket session's lifecycle state (spec
// §4.3.2).
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateReady
	StateRunning
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	pingInterval     = 30 * time.Second
	pongWarnAfter    = 90 * time.Second
	pongDeadAfter    = 120 * time.Second
	maxReconnects    = 10
	wsCloseCodePong  = websocket.StatusCode(4000)
)

// Session owns the target gateway's WebSocket connection: dial,
// Authenticate/Subscribe handshake, the ping/liveness timers, the
// rotating REST polling fallback, cross-path dedup, and reconnect with
// exponential backoff (spec §4.3.2–§4.3.4).
type Session struct {
	wsURL string
	rest  *RESTClient
	token string
	log   *slog.Logger

	handlers Handlers

	mu           sync.Mutex
	conn         *websocket.Conn
	state        SessionState
	botUserID    string
	subscribed   []string // channel ids from Ready, feeds the polling fallback
	lastPongAt   time.Time
	shouldReconn bool

	dedup *dedup
	poll  *poller
}

// NewSession constructs a Session. Call Run to connect and block.
func NewSession(wsURL string, rest *RESTClient, token string, h Handlers) *Session {
	s := &Session{
		wsURL:    wsURL,
		rest:     rest,
		token:    token,
		log:      slog.With("component", "targetapi.ws"),
		handlers: h,
		dedup:    newDedup(),
	}
	s.poll = newPoller(rest, s)
	return s
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BotUserID returns the bot's own user id, valid from Ready onward.
func (s *Session) BotUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botUserID
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	metrics.GatewayState.WithLabelValues("target").Set(float64(st))
}

// Run connects and reconnects (backoff 1s→60s, giving up after 10
// attempts) until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.shouldReconn = true
	s.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2.0

	for attempt := 0; attempt < maxReconnects; attempt++ {
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		reconnect := s.shouldReconn
		s.mu.Unlock()
		if !reconnect {
			return err
		}

		metrics.GatewayReconnectsTotal.WithLabelValues("target").Inc()
		delay := bo.NextBackOff()
		s.log.Warn("target gateway disconnected, reconnecting", "error", err, "delay", delay, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("target gateway: exceeded %d reconnect attempts", maxReconnects)
}

// Close tears down the connection and stops reconnecting.
func (s *Session) Close() {
	s.mu.Lock()
	s.shouldReconn = false
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	s.poll.stop()
	s.setState(StateClosed)
}

func (s *Session) connectOnce(parent context.Context) error {
	s.setState(StateConnecting)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.wsURL+"?format=json", nil)
	if err != nil {
		return fmt.Errorf("dial target gateway: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	s.mu.Lock()
	s.conn = conn
	s.lastPongAt = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.setState(StateAuthenticating)
	if err := s.writeJSON(ctx, map[string]string{"type": "Authenticate", "token": s.token}); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	errCh := make(chan error, 3)
	go func() { errCh <- s.readLoop(ctx, conn) }()
	go func() { errCh <- s.pingLoop(ctx) }()
	go func() { errCh <- s.livenessLoop(ctx) }()

	err = <-errCh
	cancel()
	return err
}

func (s *Session) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handleFrame(ctx, data)
	}
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("malformed gateway frame", "error", err)
		return
	}

	metrics.GatewayEventsTotal.WithLabelValues("target", env.Type).Inc()

	switch env.Type {
	case "Authenticated":
		// no-op; Ready carries the useful state.
	case "Pong":
		s.mu.Lock()
		s.lastPongAt = time.Now()
		s.mu.Unlock()
	case "Ready":
		s.handleReady(ctx, data)
	case "Message":
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			s.log.Warn("malformed Message frame", "error", err)
			return
		}
		s.dispatchMessage(m, false)
	case "MessageUpdate":
		var p messageUpdatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Warn("malformed MessageUpdate frame", "error", err)
			return
		}
		var patch struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(p.Data, &patch)
		s.invoke("messageUpdate", func() {
			if s.handlers.OnMessageUpdate != nil {
				s.handlers.OnMessageUpdate(MessageEvent{Message{ID: p.ID, Channel: p.Channel, Content: patch.Content}})
			}
		})
	case "MessageDelete":
		var ev MessageDeleteEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		s.invoke("messageDelete", func() {
			if s.handlers.OnMessageDelete != nil {
				s.handlers.OnMessageDelete(ev)
			}
		})
	case "MessageReact":
		var ev MessageReactEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		s.invoke("messageReact", func() {
			if s.handlers.OnMessageReact != nil {
				s.handlers.OnMessageReact(ev)
			}
		})
	case "MessageUnreact":
		var ev MessageReactEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		s.invoke("messageUnreact", func() {
			if s.handlers.OnMessageUnreact != nil {
				s.handlers.OnMessageUnreact(ev)
			}
		})
	case "ChannelStartTyping":
		var ev ChannelStartTypingEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		s.invoke("channelStartTyping", func() {
			if s.handlers.OnChannelStartTyping != nil {
				s.handlers.OnChannelStartTyping(ev)
			}
		})
	case "ChannelUpdate":
		var ev ChannelUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		s.invoke("channelUpdate", func() {
			if s.handlers.OnChannelUpdate != nil {
				s.handlers.OnChannelUpdate(ev)
			}
		})
	default:
		s.log.Debug("unhandled gateway event type", "type", env.Type)
	}
}

// invoke runs fn isolated from other handler invocations: a panic is
// recovered and logged rather than propagated, so one broken handler
// cannot stop the dispatch loop or block sibling handlers (spec
// §4.3.5/§7).
func (s *Session) invoke(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", "event", event, "panic", r)
		}
	}()
	fn()
}

func (s *Session) handleReady(ctx context.Context, data []byte) {
	var ready ReadyEvent
	if err := json.Unmarshal(data, &ready); err != nil {
		s.log.Error("malformed Ready frame", "error", err)
		return
	}

	var botID string
	for _, u := range ready.Users {
		if u.Bot != nil {
			botID = u.ID
			break
		}
	}

	channelIDs := make([]string, 0, len(ready.Channels))
	for _, ch := range ready.Channels {
		channelIDs = append(channelIDs, ch.ID)
	}

	s.mu.Lock()
	s.botUserID = botID
	s.subscribed = channelIDs
	s.mu.Unlock()

	for _, srv := range ready.Servers {
		if err := s.writeJSON(ctx, map[string]string{"type": "Subscribe", "server_id": srv.ID}); err != nil {
			s.log.Warn("subscribe failed", "server_id", srv.ID, "error", err)
		}
	}

	s.setState(StateReady)
	s.poll.reset(channelIDs)
	s.poll.start(ctx)
	s.setState(StateRunning)

	s.invoke("ready", func() {
		if s.handlers.OnReady != nil {
			s.handlers.OnReady(ready)
		}
	})
}

// dispatchMessage is the single entry point for a Message event from
// either delivery path (WS or polling); it deduplicates and then
// dispatches, so a message seen by both paths fires the handler
// exactly once (spec §4.3.4, testable property 4).
func (s *Session) dispatchMessage(m Message, fromPoll bool) {
	if !s.dedup.insert(m.ID) {
		metrics.GatewayEventsDeduped.WithLabelValues("target").Inc()
		return
	}
	s.invoke("message", func() {
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(MessageEvent{m})
		}
	})
}

func (s *Session) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.writeJSON(ctx, map[string]interface{}{"type": "Ping", "data": time.Now().Unix()}); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// livenessLoop implements the 30s liveness monitor: warn past 90s of
// silence, force-close past 120s to trigger a reconnect (spec
// §4.3.2).
func (s *Session) livenessLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			silence := time.Since(s.lastPongAt)
			conn := s.conn
			s.mu.Unlock()

			if silence > pongDeadAfter {
				if conn != nil {
					_ = conn.Close(wsCloseCodePong, "pong timeout")
				}
				return fmt.Errorf("pong timeout after %s", silence)
			}
			if silence > pongWarnAfter {
				s.log.Warn("target gateway pong overdue", "silence", silence)
			}
		}
	}
}

// SubscribedChannels returns the channel ids captured from the most
// recent Ready frame, used by the rotating poller.
func (s *Session) SubscribedChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.subscribed))
	copy(out, s.subscribed)
	return out
}
