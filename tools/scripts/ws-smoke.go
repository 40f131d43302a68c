// Package main provides a CI-friendly end-to-end smoke test for Courier.
//
// It validates:
//   - websocket handshake + subprotocol selection
//   - hello/ack session establishment
//   - join echo (participant-gated)
//   - REST send -> message_received fanout to the other participant
//   - REST list -> messages_read fanout to the sender
//   - unread counter increments and clears
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

	"github.com/coder/websocket"

	v1 "courier/shared/contracts/messaging/v1"
)

const (
	defaultSubprotocol = "courier.messaging.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-alice", "Sender user id")
		userB   = flag.String("user-b", "smoke-bob", "Recipient user id")
		text    = flag.String("text", "hello courier 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	convID := mustGetOrCreateConversation(root, *baseURL, *userA, *userB, *timeout)
	if *verbose {
		fmt.Printf("conversation: %s\n", convID)
	}

	a := mustConnect(root, "A", *userA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	mustJoin(root, a, convID, *timeout)
	mustJoin(root, b, convID, *timeout)

	msgID := mustSendMessage(root, *baseURL, *userA, convID, *text, *timeout)

	mustAssertReceived(root, b, convID, msgID, *userA, *text, *timeout)
	_ = drainType(root, a, v1.TypeMessageReceived, 750*time.Millisecond)

	if n := mustUnreadCount(root, *baseURL, *userB, convID, *timeout); n < 1 {
		fatalf("unread count for B: got=%d want>=1", n)
	}

	// B lists page 1: read side effect fires and the sender observes the receipt.
	mustListMessagesContains(root, *baseURL, *userB, convID, msgID, *timeout)
	mustAssertRead(root, a, convID, msgID, *userB, *timeout)

	if n := mustUnreadCount(root, *baseURL, *userB, convID, *timeout); n != 0 {
		fatalf("unread count for B after read: got=%d want=0", n)
	}

	fmt.Printf("OK: A=%s B=%s conv_id=%s message_id=%s\n", a.sessionID, b.sessionID, convID, msgID)
}

// ---- REST steps ----

func mustGetOrCreateConversation(parent context.Context, baseURL, userID, otherID string, stepTimeout time.Duration) string {
	var out struct {
		ID string `json:"id"`
	}
	mustRESTJSON(parent, http.MethodGet, baseURL+"/conversations/"+url.PathEscape(otherID), userID, nil, &out, stepTimeout)
	if strings.TrimSpace(out.ID) == "" {
		fatalf("get-or-create: missing conversation id")
	}
	return out.ID
}

func mustSendMessage(parent context.Context, baseURL, userID, convID, text string, stepTimeout time.Duration) string {
	body := map[string]any{"content": text}
	var out struct {
		ID string `json:"id"`
	}
	mustRESTJSON(parent, http.MethodPost, baseURL+"/conversations/"+url.PathEscape(convID)+"/messages", userID, body, &out, stepTimeout)
	if strings.TrimSpace(out.ID) == "" {
		fatalf("send: missing message id")
	}
	return out.ID
}

func mustListMessagesContains(parent context.Context, baseURL, userID, convID, msgID string, stepTimeout time.Duration) {
	var out struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	mustRESTJSON(parent, http.MethodGet, baseURL+"/conversations/"+url.PathEscape(convID)+"/messages?page=1", userID, nil, &out, stepTimeout)
	for _, it := range out.Items {
		if it.ID == msgID {
			return
		}
	}
	fatalf("list: message %s not in page 1", msgID)
}

func mustUnreadCount(parent context.Context, baseURL, userID, convID string, stepTimeout time.Duration) int64 {
	var out struct {
		Counts map[string]int64 `json:"counts"`
	}
	mustRESTJSON(parent, http.MethodGet, baseURL+"/messages/unread", userID, nil, &out, stepTimeout)
	return out.Counts[convID]
}

func mustRESTJSON(parent context.Context, method, rawURL, userID string, body, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal request body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		fatalf("build request %s %s: %v", method, rawURL, err)
	}
	req.Header.Set("X-User-ID", userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		fatalf("%s %s: status=%d body=%s", method, rawURL, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatalf("decode response %s %s: %v", method, rawURL, err)
		}
	}
}

// ---- WS steps ----

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("X-User-ID", userID)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, c.conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing sessionId (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeConversationJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ConversationJoinPayload{ConversationID: convID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeConversationJoin, stepTimeout, nil)

	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join echo conversationId mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustAssertReceived(parent context.Context, c *smokeClient, convID, msgID, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageReceived, stepTimeout, nil)

	var p v1.MessageReceivedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_received payload (%s): %v", c.name, err)
	}

	if p.ConversationID != convID {
		fatalf("received conversationId mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ID != msgID {
		fatalf("received id mismatch (%s): got=%q want=%q", c.name, p.ID, msgID)
	}
	if p.Sender.UserID != senderID {
		fatalf("received sender mismatch (%s): got=%q want=%q", c.name, p.Sender.UserID, senderID)
	}
	if p.Content.Text != text {
		fatalf("received text mismatch (%s): got=%q want=%q", c.name, p.Content.Text, text)
	}
	if p.CreatedAt.IsZero() {
		fatalf("received createdAt missing/zero (%s)", c.name)
	}
}

func mustAssertRead(parent context.Context, c *smokeClient, convID, msgID, readerID string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeMessageReceived: {}}
	env := c.mustReadUntilType(parent, v1.TypeMessagesRead, stepTimeout, skip)

	var p v1.MessagesReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal messages_read payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("read conversationId mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.UserID != readerID {
		fatalf("read userId mismatch (%s): got=%q want=%q", c.name, p.UserID, readerID)
	}
	for _, id := range p.MessageIDs {
		if id == msgID {
			return
		}
	}
	fatalf("messages_read missing id %s (%s)", msgID, c.name)
}

func drainType(parent context.Context, c *smokeClient, typ string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == typ {
				return nil
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
