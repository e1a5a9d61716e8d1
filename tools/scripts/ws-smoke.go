// Package main provides a CI-friendly WebSocket smoke test for the relay
// chat gateway.
//
// It validates:
//   - handshake + subprotocol selection + hello.ack
//   - room subscribe echo (participant.joined)
//   - send -> ack -> fanout message.new + conversation.updated
//   - read.mark -> read.ack + aggregate message.status + messages.read
//   - history fetch (filtered window, after_seq paging)
//   - idempotent dedupe by client_msg_id
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "relay/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "relay.chat.v1"
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
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		convID  = flag.String("conv", "smoke-room-1", "Conversation ID to exercise")
		userA   = flag.String("user-a", "smoke-alice", "Sender user id")
		userB   = flag.String("user-b", "smoke-bob", "Recipient user id")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
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

	// The server trims content before persisting; compare against the same form.
	*text = strings.TrimSpace(*text)
	if *text == "" {
		fatalf("-text must not be empty")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *userA, *timeout)
	defer closeWS(a.conn)

	// A's own subscribe echoes back through the room broadcast.
	mustSubscribe(root, a, *convID, *timeout)
	mustExpectJoined(root, a, *convID, a.userID, *timeout, nil)

	b := mustConnect(root, "B", *wsURL, *origin, *userB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	// B's subscribe is broadcast to both members. Before the join echo, A may
	// see B's online announcement, and against a reused database also the
	// became-online delivery backfill from a previous interrupted run.
	mustSubscribe(root, b, *convID, *timeout)
	mustExpectJoined(root, b, *convID, b.userID, *timeout, nil)
	mustExpectJoined(root, a, *convID, b.userID, *timeout,
		skip(v1.KindUserOnline, v1.KindMessageStatus, v1.KindMessagesDelivered))

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	msgID, seq, dup := mustSendAndAssertAck(root, a, *convID, clientMsgID, *text, *timeout)
	if dup {
		fatalf("first send acked as duplicate")
	}

	// The room fan-out reaches the sender too; its list update does not.
	mustAssertNew(root, a, *convID, msgID, seq, a.userID, *text, *timeout)
	mustAssertNew(root, b, *convID, msgID, seq, a.userID, *text, *timeout)
	mustAssertConversationUpdated(root, b, *convID, msgID, *text, *timeout)

	// B reads the conversation: direct ack, then the aggregate room flip.
	readCount := mustReadMark(root, b, *convID, *timeout)
	if readCount != 1 {
		fatalf("read.ack count: got=%d want=1", readCount)
	}
	mustExpectStatus(root, b, *convID, "read", b.userID, 1, *timeout)
	mustExpectStatus(root, a, *convID, "read", b.userID, 1, *timeout)
	mustExpectMessagesRead(root, a, *convID, b.userID, 1, *timeout)

	// Anchor the window right before our message so the assertion holds even
	// when the conversation already has history.
	prev := seq - 1
	mustHistoryContains(root, b, *convID, &prev, 50, msgID, seq, a.userID, *text, "read", *timeout)

	after := seq
	mustHistoryEmpty(root, b, *convID, &after, 50, *timeout)

	// Same client_msg_id again: same canonical ids, no second fan-out.
	msgID2, seq2, dup2 := mustSendAndAssertAck(root, a, *convID, clientMsgID, *text, *timeout)
	if !dup2 {
		fatalf("dedupe: second send not acked as duplicate")
	}
	if msgID2 != msgID || seq2 != seq {
		fatalf("dedupe: id/seq mismatch: first=(%s,%d) second=(%s,%d)", msgID, seq, msgID2, seq2)
	}

	mustAssertNoKind(root, b, v1.KindMessageNew, 1200*time.Millisecond)
	mustAssertNoKind(root, a, v1.KindMessageNew, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s conv_id=%s seq=%d message_id=%s\n", a.sessionID, b.sessionID, *convID, seq, msgID)
}

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

func mustConnect(parent context.Context, name, wsURL, origin, userID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	dialURL := wsURL
	if strings.Contains(dialURL, "?") {
		dialURL += "&user_id=" + url.QueryEscape(userID)
	} else {
		dialURL += "?user_id=" + url.QueryEscape(userID)
	}

	conn, resp, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	if sp := conn.Subprotocol(); sp != defaultSubprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, sp, defaultSubprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	// The server speaks first: hello.ack carries the session identity.
	ack := c.mustReadUntilKind(parent, v1.KindHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello.ack user mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
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

func mustSubscribe(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.KindRoomSubscribe,
		ID:   fmt.Sprintf("%s-subscribe", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.RoomSubscribePayload{
			ConversationID: convID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustExpectJoined(parent context.Context, c *smokeClient, convID, userID string, stepTimeout time.Duration, skipKinds map[v1.Kind]struct{}) {
	echo := c.mustReadUntilKind(parent, v1.KindParticipantJoined, stepTimeout, skipKinds)

	var p v1.ParticipantPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal participant.joined payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("participant.joined conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.UserID != userID {
		fatalf("participant.joined user mismatch (%s): got=%q want=%q", c.name, p.UserID, userID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, clientMsgID, text string, stepTimeout time.Duration) (messageID string, seq int64, duplicate bool) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.KindMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{
			ConversationID: convID,
			ClientMsgID:    clientMsgID,
			Type:           "text",
			Content:        text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// The gateway acks before it fans out, so the ack always precedes the
	// sender's own message.new.
	ack := c.mustReadUntilKind(parent, v1.KindMessageAck, stepTimeout, nil)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message.ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	return p.MessageID, p.Seq, p.Duplicate
}

func mustAssertNew(parent context.Context, c *smokeClient, convID, messageID string, seq int64, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilKind(parent, v1.KindMessageNew, stepTimeout, nil)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message.new payload (%s): %v", c.name, err)
	}

	if p.ConversationID != convID {
		fatalf("new conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ID != messageID {
		fatalf("new message_id mismatch (%s): got=%q want=%q", c.name, p.ID, messageID)
	}
	if p.Seq != seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.SenderID != senderID {
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Content != text {
		fatalf("new content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if p.CreatedAt.IsZero() {
		fatalf("new created_at missing/zero (%s)", c.name)
	}
}

func mustAssertConversationUpdated(parent context.Context, c *smokeClient, convID, messageID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilKind(parent, v1.KindConversationUpdated, stepTimeout, nil)

	var p v1.ConversationUpdatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal conversation.updated payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("conversation.updated conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.LastMessageID != messageID {
		fatalf("conversation.updated last_message_id mismatch (%s): got=%q want=%q", c.name, p.LastMessageID, messageID)
	}
	if !strings.HasPrefix(text, p.Preview) {
		fatalf("conversation.updated preview mismatch (%s): got=%q", c.name, p.Preview)
	}
}

func mustReadMark(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) int64 {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.KindReadMark,
		ID:   fmt.Sprintf("%s-read", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ReadMarkPayload{
			ConversationID: convID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilKind(parent, v1.KindReadAck, stepTimeout, nil)

	var p v1.MessagesReadPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal read.ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("read.ack conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ReaderID != c.userID {
		fatalf("read.ack reader mismatch (%s): got=%q want=%q", c.name, p.ReaderID, c.userID)
	}
	return p.Count
}

func mustExpectStatus(parent context.Context, c *smokeClient, convID, status, userID string, count int64, stepTimeout time.Duration) {
	env := c.mustReadUntilKind(parent, v1.KindMessageStatus, stepTimeout, nil)

	var p v1.MessageStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message.status payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID || p.Status != status || p.UserID != userID || p.Count != count {
		fatalf("message.status mismatch (%s): got={conv=%q status=%q user=%q count=%d}", c.name, p.ConversationID, p.Status, p.UserID, p.Count)
	}
}

func mustExpectMessagesRead(parent context.Context, c *smokeClient, convID, readerID string, count int64, stepTimeout time.Duration) {
	env := c.mustReadUntilKind(parent, v1.KindMessagesRead, stepTimeout, nil)

	var p v1.MessagesReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal messages.read payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID || p.ReaderID != readerID || p.Count != count {
		fatalf("messages.read mismatch (%s): got={conv=%q reader=%q count=%d}", c.name, p.ConversationID, p.ReaderID, p.Count)
	}
}

func mustHistoryContains(
	parent context.Context,
	c *smokeClient,
	convID string,
	afterSeq *int64,
	limit int,
	messageID string,
	seq int64,
	senderID, text, status string,
	stepTimeout time.Duration,
) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.KindHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			ConversationID: convID,
			AfterSeq:       afterSeq,
			Limit:          limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilKind(parent, v1.KindHistoryChunk, stepTimeout, nil)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history.chunk payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("history.chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}

	found := false
	for _, m := range p.Messages {
		if m.ConversationID == convID &&
			m.ID == messageID &&
			m.Seq == seq &&
			m.SenderID == senderID &&
			m.Content == text &&
			m.Status == status &&
			!m.CreatedAt.IsZero() {
			found = true
			break
		}
	}
	if !found {
		fatalf("history.chunk missing expected message (%s)", c.name)
	}
}

func mustHistoryEmpty(parent context.Context, c *smokeClient, convID string, afterSeq *int64, limit int, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.KindHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch-empty", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			ConversationID: convID,
			AfterSeq:       afterSeq,
			Limit:          limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilKind(parent, v1.KindHistoryChunk, stepTimeout, nil)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history.chunk payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("history.chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if len(p.Messages) != 0 {
		fatalf("expected empty history chunk (%s), got=%d", c.name, len(p.Messages))
	}
}

func mustAssertNoKind(parent context.Context, c *smokeClient, forbidden v1.Kind, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.KindError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbidden {
				fatalf("unexpected %s received (%s)", forbidden, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilKind(parent context.Context, want v1.Kind, stepTimeout time.Duration, skipKinds map[v1.Kind]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", want, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", want, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", want, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", want, c.name)
			}
			if env.Type == want {
				return env
			}
			if env.Type == v1.KindError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipKinds != nil {
				if _, ok := skipKinds[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, want)
		}
	}
}

func skip(kinds ...v1.Kind) map[v1.Kind]struct{} {
	m := make(map[v1.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		m[k] = struct{}{}
	}
	return m
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
