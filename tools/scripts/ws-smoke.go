// Package main provides a CI-friendly smoke test for the Ember auth and
// realtime stack against a running server.
//
// It validates:
//   - register/login over HTTP
//   - handshake + subprotocol selection with a bearer access token
//   - hello/ack session establishment
//   - join echo
//   - send -> ack
//   - fanout message_new to another client
//   - idempotent dedupe by client_msg_id
//   - refresh rotation returning a new usable pair
//   - logout forcing auth_reauthenticate on the live connection
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "ember/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	subprotocol  = "ember.realtime.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// sessionEnvelope matches the auth API's response shape.
type sessionEnvelope struct {
	Session tokenPair `json:"session"`
}

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		roomID  = flag.String("room", "dev-room-1", "Room ID to join")
		text    = flag.String("text", "hello ember", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -base: %v", err)
	}

	root := context.Background()

	suffix := time.Now().UnixNano()
	alice := mustLogin(root, *baseURL, fmt.Sprintf("smoke_a_%d", suffix), *timeout)
	bob := mustLogin(root, *baseURL, fmt.Sprintf("smoke_b_%d", suffix), *timeout)

	a := mustConnect(root, "A", *baseURL, *origin, alice.AccessToken, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *baseURL, *origin, bob.AccessToken, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	mustJoin(root, a, *roomID, *timeout)
	mustJoin(root, b, *roomID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", suffix)

	serverMsgID := mustSendAndAssertAck(root, a, *roomID, clientMsgID, *text, *timeout)
	mustAssertNew(root, b, *roomID, clientMsgID, serverMsgID, a.userID, *text, *timeout)
	_ = drainOptionalType(root, a, v1.TypeMessageNew, 750*time.Millisecond)

	// Retry with the same client_msg_id: same ack, no second fanout.
	dupID := mustSendAndAssertAck(root, a, *roomID, clientMsgID, *text, *timeout)
	if dupID != serverMsgID {
		fatalf("dedupe: server_msg_id mismatch: first=%s second=%s", serverMsgID, dupID)
	}
	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)

	// Rotation must yield a fresh pair that still opens connections.
	rotated := mustRefresh(root, *baseURL, alice.RefreshToken, *timeout)
	if rotated.AccessToken == alice.AccessToken || rotated.RefreshToken == alice.RefreshToken {
		fatalf("refresh did not rotate the pair")
	}
	c := mustConnect(root, "A2", *baseURL, *origin, rotated.AccessToken, *timeout)
	defer closeWS(c.conn)

	// Logout revokes the session; both live connections for it must be told
	// to reauthenticate before the server hangs up.
	mustLogout(root, *baseURL, rotated.AccessToken, *timeout)
	mustAssertReauthenticate(root, c, *timeout)

	fmt.Printf("OK: A=%s B=%s room_id=%s server_msg_id=%s\n", a.sessionID, b.sessionID, *roomID, serverMsgID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func wsURLFor(baseURL string) string {
	u := strings.Replace(baseURL, "http", "ws", 1)
	return strings.TrimRight(u, "/") + "/ws"
}

func postJSON(ctx context.Context, rawURL, bearer string, body any, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w (body=%s)", rawURL, err, raw)
		}
	}
	return resp.StatusCode, nil
}

func mustLogin(parent context.Context, baseURL, username string, stepTimeout time.Duration) tokenPair {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	creds := map[string]string{"username": username, "password": "smoke-password-1"}

	status, err := postJSON(ctx, baseURL+"/auth/register", "", creds, nil)
	if err != nil {
		fatalf("register %s: %v", username, err)
	}
	if status != http.StatusCreated && status != http.StatusConflict {
		fatalf("register %s: unexpected status %d", username, status)
	}

	var out sessionEnvelope
	status, err = postJSON(ctx, baseURL+"/auth/login", "", creds, &out)
	if err != nil {
		fatalf("login %s: %v", username, err)
	}
	if status != http.StatusOK || out.Session.AccessToken == "" || out.Session.RefreshToken == "" {
		fatalf("login %s: status=%d", username, status)
	}
	return out.Session
}

func mustRefresh(parent context.Context, baseURL, refreshToken string, stepTimeout time.Duration) tokenPair {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var out sessionEnvelope
	status, err := postJSON(ctx, baseURL+"/auth/refresh", "", map[string]string{"refresh_token": refreshToken}, &out)
	if err != nil {
		fatalf("refresh: %v", err)
	}
	if status != http.StatusOK || out.Session.AccessToken == "" {
		fatalf("refresh: status=%d", status)
	}
	return out.Session
}

func mustLogout(parent context.Context, baseURL, accessToken string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	status, err := postJSON(ctx, baseURL+"/auth/logout", accessToken, nil, nil)
	if err != nil {
		fatalf("logout: %v", err)
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		fatalf("logout: unexpected status %d", status)
	}
}

func mustConnect(parent context.Context, name, baseURL, origin, accessToken string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+accessToken)

	conn, _, err := websocket.Dial(ctx, wsURLFor(baseURL), &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		fatalf("%s: dial: %v", name, err)
	}
	conn.SetReadLimit(maxReadBytes)

	if got := conn.Subprotocol(); got != subprotocol {
		fatalf("%s: subprotocol: got=%q want=%q", name, got, subprotocol)
	}

	c := &smokeClient{name: name, conn: conn}

	mustSend(ctx, c, v1.TypeHello, v1.HelloPayload{})
	ack := mustReadType(ctx, c, v1.TypeHelloAck)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("%s: hello_ack payload: %v", name, err)
	}
	if p.SessionID == "" || p.UserID == "" {
		fatalf("%s: hello_ack missing ids: %+v", name, p)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID
	return c
}

func mustJoin(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	mustSend(ctx, c, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: roomID})
	env := mustReadType(ctx, c, v1.TypeRoomJoin)
	var p v1.RoomJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.RoomID != roomID {
		fatalf("%s: join echo: err=%v payload=%s", c.name, err, env.Payload)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, roomID, clientMsgID, text string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	mustSend(ctx, c, v1.TypeMessageSend, v1.MessageSendPayload{
		RoomID:      roomID,
		ClientMsgID: clientMsgID,
		Text:        text,
	})
	env := mustReadType(ctx, c, v1.TypeMessageAck)
	var ack v1.MessageAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		fatalf("%s: ack payload: %v", c.name, err)
	}
	if ack.ClientMsgID != clientMsgID || ack.ServerMsgID == "" {
		fatalf("%s: ack mismatch: %+v", c.name, ack)
	}
	return ack.ServerMsgID
}

func mustAssertNew(parent context.Context, c *smokeClient, roomID, clientMsgID, serverMsgID, sender, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := mustReadType(ctx, c, v1.TypeMessageNew)
	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("%s: message_new payload: %v", c.name, err)
	}
	if p.RoomID != roomID || p.ClientMsgID != clientMsgID || p.ServerMsgID != serverMsgID || p.Sender != sender || p.Text != text {
		fatalf("%s: message_new mismatch: %+v", c.name, p)
	}
}

func mustAssertReauthenticate(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := mustReadType(ctx, c, v1.TypeReauthenticate)
	var p v1.ReauthenticatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Reason == "" {
		fatalf("%s: reauthenticate payload: err=%v payload=%s", c.name, err, env.Payload)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, typ string, window time.Duration) {
	ctx, cancel := context.WithTimeout(parent, window)
	defer cancel()

	for {
		env, err := readEnvelope(ctx, c)
		if err != nil {
			return // window elapsed without the forbidden type
		}
		if env.Type == typ {
			fatalf("%s: unexpected %s: %s", c.name, typ, env.Payload)
		}
	}
}

func drainOptionalType(parent context.Context, c *smokeClient, typ string, window time.Duration) bool {
	ctx, cancel := context.WithTimeout(parent, window)
	defer cancel()

	for {
		env, err := readEnvelope(ctx, c)
		if err != nil {
			return false
		}
		if env.Type == typ {
			return true
		}
	}
}

func mustSend(ctx context.Context, c *smokeClient, typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("%s: marshal %s: %v", c.name, typ, err)
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		fatalf("%s: marshal envelope: %v", c.name, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		fatalf("%s: write %s: %v", c.name, typ, err)
	}
}

func mustReadType(ctx context.Context, c *smokeClient, typ string) v1.Envelope {
	for {
		env, err := readEnvelope(ctx, c)
		if err != nil {
			fatalf("%s: waiting for %s: %v", c.name, typ, err)
		}
		if env.Type == typ {
			return env
		}
		if env.Type == v1.TypeError {
			fatalf("%s: server error while waiting for %s: %s", c.name, typ, env.Payload)
		}
		// Skip unrelated traffic (heartbeats, stale fanout).
	}
}

func readEnvelope(ctx context.Context, c *smokeClient) (v1.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func closeWS(conn *websocket.Conn) {
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ws-smoke: "+format+"\n", args...)
	os.Exit(1)
}
