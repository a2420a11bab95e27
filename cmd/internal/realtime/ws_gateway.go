package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"ember/cmd/internal/auth/revocation"
	"ember/cmd/internal/auth/session"
	"ember/cmd/internal/metrics"
	v1 "ember/shared/contracts/realtime/v1"
)

const wsSubprotocolV1 = "ember.realtime.v1"

// Gateway is the WebSocket entrypoint.
//
// It is the connection-scoped counterpart of the per-request auth middleware:
// the bearer token is validated once before the upgrade, then the connection
// subscribes to revocation notifications. When its session is revoked (or a
// global revocation lands) the client receives an auth_reauthenticate
// envelope and the connection is closed.
type Gateway struct {
	log      *slog.Logger
	cfg      GatewayConfig
	auth     *session.Service
	notifier revocation.Notifier
	hub      *Hub
	relay    Relay

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewGateway constructs a gateway. When hub/relay are nil, in-memory
// implementations are used.
func NewGateway(log *slog.Logger, cfg GatewayConfig, auth *session.Service, notifier revocation.Notifier, hub *Hub, relay Relay) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if relay == nil {
		relay = NewInMemoryRelay()
	}

	return &Gateway{
		log:            log,
		cfg:            cfg,
		auth:           auth,
		notifier:       notifier,
		hub:            hub,
		relay:          relay,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades, and runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Authentication happens BEFORE the upgrade so a bad token costs a plain
	// 401, not a websocket handshake.
	accessToken := wsAccessToken(r)
	claims, err := g.auth.ValidateAccess(r.Context(), accessToken)
	if err != nil {
		if errors.Is(err, session.ErrStoreUnavailable) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnID(time.Now().UTC())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "id generation failed")
		return
	}
	client := NewClient(connID, claims.UserID, claims.SessionID, g.cfg.SendQueueSize)

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joinedMu  sync.Mutex
		joined    *Room
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			joinedMu.Lock()
			if joined != nil {
				joined.Leave(connID)
				joined = nil
			}
			joinedMu.Unlock()

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.log.Info("ws.connect", "conn_id", connID, "session_id", claims.SessionID, "user_id", claims.UserID)

	events, unsubscribe := g.notifier.Subscribe()
	defer unsubscribe()

	// A revocation published between the pre-upgrade validation and the
	// subscription above reached no subscriber for this connection. Now that
	// the subscription is live, validate once more; together the two checks
	// leave no window in which a revoked session keeps its connection.
	if _, err := g.auth.ValidateAccess(ctx, accessToken); err != nil {
		g.log.Info("ws.reject.revalidate", "conn_id", connID, "session_id", claims.SessionID, "err", err)
		g.forceReauth(conn, shutdown, "session revoked")
		return
	}

	// Revocation watcher: the async push path. Duplicate or reordered events
	// are harmless, shutdown is idempotent.
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case ev := <-events:
				if !revokesConnection(ev, claims) {
					continue
				}
				g.forceReauth(conn, shutdown, reauthReason(ev))
				return
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeRoomJoin:
			room, err := g.onJoin(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, "join_failed", err.Error())
				continue readLoop
			}

			// Membership stability: leave the old room before switching.
			joinedMu.Lock()
			if joined != nil && joined.ID != room.ID {
				joined.Leave(connID)
			}
			joined = room
			joinedMu.Unlock()

		case v1.TypeMessageSend:
			joinedMu.Lock()
			room := joined
			joinedMu.Unlock()
			if room == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onMessageSend(ctx, client, room, env, now); err != nil {
				g.trySendError(ctx, client, "send_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	select {
	case <-watcherDone:
	case <-time.After(wsCloseGrace):
	}
}

// revokesConnection reports whether a revocation event applies to this
// connection's credentials.
func revokesConnection(ev revocation.Event, claims session.Claims) bool {
	switch ev.Kind {
	case revocation.KindSessionRevoked:
		return ev.SessionID == claims.SessionID
	case revocation.KindEpochBumped:
		return ev.Epoch.IsZero() || claims.IssuedAt.Before(ev.Epoch)
	default:
		return false
	}
}

func reauthReason(ev revocation.Event) string {
	if ev.Kind == revocation.KindEpochBumped {
		return "all sessions revoked"
	}
	return "session revoked"
}

// forceReauth tells the client its credentials are gone, then closes.
// The envelope is written directly (conn.Write is safe for concurrent use)
// so the signal cannot be lost behind a full send queue.
func (g *Gateway) forceReauth(conn *websocket.Conn, shutdown func(websocket.StatusCode, string), reason string) {
	p, _ := json.Marshal(v1.ReauthenticatePayload{Reason: reason})
	env := newEnvelope(v1.TypeReauthenticate, p, time.Now().UTC())

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.WriteTimeout)
	if b, err := json.Marshal(env); err == nil {
		_ = conn.Write(ctx, websocket.MessageText, b)
	}
	cancel()

	metrics.WSForcedDisconnects.Inc()
	shutdown(websocket.StatusPolicyViolation, "reauthenticate")
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, client *Client) error {
	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		SessionID: client.SessionID,
		UserID:    client.UserID,
	})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello.ack")
	}
	return nil
}

func (g *Gateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) (*Room, error) {
	var p v1.RoomJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return nil, errors.New("missing room_id")
	}

	room := g.hub.GetOrCreateRoom(roomID)
	room.Join(client)

	echoPayload, _ := json.Marshal(v1.RoomJoinPayload{RoomID: room.ID})
	echo := newEnvelope(v1.TypeRoomJoin, echoPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, echo) {
		room.Leave(client.ID)
		return nil, errors.New("backpressure: join echo")
	}

	return room, nil
}

func (g *Gateway) onMessageSend(ctx context.Context, client *Client, room *Room, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.RoomID) == "" || p.RoomID != room.ID {
		return errors.New("invalid room_id")
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return errors.New("missing client_msg_id")
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return errors.New("empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	res, err := g.relay.Relay(ctx, RelayInput{
		RoomID:       p.RoomID,
		ClientMsgID:  p.ClientMsgID,
		SenderUserID: client.UserID,
		Text:         text,
		Now:          now,
	})
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}

	msg := res.Message

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		RoomID:      msg.RoomID,
		ClientMsgID: msg.ClientMsgID,
		ServerMsgID: msg.ServerMsgID,
	})
	ack := newEnvelope(v1.TypeMessageAck, ackPayload, now)

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: ack")
	}

	if res.Duplicated {
		return nil
	}

	newPayload, _ := json.Marshal(v1.MessageNewPayload{
		RoomID:      msg.RoomID,
		ClientMsgID: msg.ClientMsgID,
		ServerMsgID: msg.ServerMsgID,
		Sender:      msg.SenderUserID,
		Text:        msg.Text,
		ServerTS:    msg.ServerTS,
	})
	room.Broadcast(newEnvelope(v1.TypeMessageNew, newPayload, now))
	return nil
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// wsAccessToken extracts the bearer token from the Authorization header, or
// from the access_token query parameter for browser WebSocket clients that
// cannot set headers.
func wsAccessToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		// Ports vary in dev; authorize the host with any port.
		for _, pattern := range []string{h, h + ":*"} {
			if _, ok := seen[pattern]; ok {
				continue
			}
			seen[pattern] = struct{}{}
			out = append(out, pattern)
		}
	}
	return out
}
