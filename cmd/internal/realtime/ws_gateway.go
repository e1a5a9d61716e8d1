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
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"

	"relay/cmd/internal/chat"
	"relay/cmd/internal/ids"
	"relay/cmd/internal/metrics"
	v1 "relay/shared/contracts/chat/v1"
)

const (
	wsSubprotocolV1 = "relay.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for Relay chat.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, decodes envelopes, and hands every operation to the core. The
// effects the core returns after a commit are executed here: room effects
// broadcast to subscribed sessions, user effects reach every session of the
// target user.
//
// Identity comes from the user_id query parameter: the gateway trusts the
// fronting layer to have authenticated the caller and performs no token
// verification of its own.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	core     *chat.Service
	validate *validator.Validate

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults around a core
// service. When hub is nil a fresh one is created.
func NewWSGateway(log *slog.Logger, hub *Hub, core *chat.Service) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{
		log:      log,
		hub:      hub,
		core:     core,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("RELAY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("RELAY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("RELAY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("RELAY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("RELAY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("RELAY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("RELAY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("RELAY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("RELAY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("RELAY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// wsSession is the per-connection transport state: the client handle plus
// the rooms this session is currently subscribed to. The rooms map is
// guarded because shutdown may run from the writer or heartbeat goroutine
// while the read loop mutates subscriptions.
type wsSession struct {
	client *Client

	mu    sync.Mutex
	rooms map[string]*Room
}

func (s *wsSession) join(r *Room) {
	s.mu.Lock()
	s.rooms[r.ID] = r
	s.mu.Unlock()
}

func (s *wsSession) leave(conversationID string) *Room {
	s.mu.Lock()
	r := s.rooms[conversationID]
	delete(s.rooms, conversationID)
	s.mu.Unlock()
	return r
}

func (s *wsSession) leaveAll() []*Room {
	s.mu.Lock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	s.rooms = make(map[string]*Room)
	s.mu.Unlock()
	return out
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// chat loop until the peer goes away.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		g.log.Info("ws.reject.identity", "remote", r.RemoteAddr)
		http.Error(w, "missing user_id", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
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

	sessionID := NewRandomHex(10)
	client := NewClient(userID, sessionID, g.sendQueueSize)
	sess := &wsSession{client: client, rooms: make(map[string]*Room)}

	g.hub.Register(client)
	g.log.Info("ws.session.open", "user_id", userID, "session_id", sessionID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and room removal happens
	// before client.Close. The core is told last so the offline fan-out
	// never targets this session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for _, room := range sess.leaveAll() {
				room.Leave(sessionID)
			}
			g.hub.Unregister(sessionID)
			g.applyEffects(g.core.Disconnect(sessionID))

			client.Close()
			_ = conn.Close(code, reason)
			cancel()

			g.log.Info("ws.session.close", "user_id", userID, "session_id", sessionID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

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
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				metrics.EventsOutTotal.WithLabelValues(string(env.Type)).Inc()
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
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

	// Identity ack first, then the became-online backfill, so the client
	// learns its session before any fan-out arrives.
	helloPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: sessionID, UserID: userID})
	g.enqueue(ctx, client, newEnvelope(v1.KindHelloAck, helloPayload, time.Now().UTC()))

	effects, connectErr := g.core.Connect(ctx, userID, sessionID)
	if connectErr != nil {
		g.log.Error("ws.connect.fail", "user_id", userID, "session_id", sessionID, "err", connectErr)
		g.trySendError(ctx, client, errorCode(connectErr), "connect failed")
		shutdown(websocket.StatusInternalError, "connect failed")
	} else {
		g.applyEffects(effects)
	}

readLoop:
	for connectErr == nil {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
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
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}
		metrics.EventsInTotal.WithLabelValues(string(env.Type)).Inc()

		if err := g.handle(ctx, sess, env); err != nil {
			g.trySendError(ctx, client, errorCode(err), err.Error())
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// handle routes one validated envelope. Every returned error is reported to
// the peer as an error envelope; handlers that succeed enqueue their own
// replies and execute the core's effects.
func (g *WSGateway) handle(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	switch env.Type {
	case v1.KindRoomSubscribe:
		return g.onRoomSubscribe(ctx, sess, env)
	case v1.KindRoomUnsubscribe:
		return g.onRoomUnsubscribe(ctx, sess, env)
	case v1.KindMessageSend:
		return g.onMessageSend(ctx, sess, env)
	case v1.KindMessageEdit:
		return g.onMessageEdit(ctx, sess, env)
	case v1.KindMessageDelete:
		return g.onMessageDelete(ctx, sess, env)
	case v1.KindMessageDeleteForMe:
		return g.onMessageDeleteForMe(ctx, sess, env)
	case v1.KindMessageReact:
		return g.onMessageReact(ctx, sess, env)
	case v1.KindMessageForward:
		return g.onMessageForward(ctx, sess, env)
	case v1.KindReadMark:
		return g.onReadMark(ctx, sess, env)
	case v1.KindTypingSet:
		return g.onTypingSet(ctx, sess, env)
	case v1.KindHistoryFetch:
		return g.onHistoryFetch(ctx, sess, env)
	case v1.KindSearchQuery:
		return g.onSearchQuery(ctx, sess, env)
	case v1.KindConversationList:
		return g.onConversationList(ctx, sess, env)
	default:
		return chat.Validation(fmt.Sprintf("unsupported client type: %s", env.Type))
	}
}

// ---- handlers ----

func (g *WSGateway) onRoomSubscribe(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.RoomSubscribePayload
	if err := g.decode(env, &p); err != nil {
		return err
	}
	if err := g.core.EnsureParticipant(ctx, sess.client.UserID, p.ConversationID); err != nil {
		return err
	}

	room := g.hub.GetOrCreateRoom(p.ConversationID)
	room.Join(sess.client)
	sess.join(room)

	ann, _ := json.Marshal(v1.ParticipantPayload{ConversationID: room.ID, UserID: sess.client.UserID})
	room.Broadcast(newEnvelope(v1.KindParticipantJoined, ann, time.Now().UTC()))
	return nil
}

func (g *WSGateway) onRoomUnsubscribe(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.RoomSubscribePayload
	if err := g.decode(env, &p); err != nil {
		return err
	}

	room := sess.leave(p.ConversationID)
	if room == nil {
		// Unsubscribing from a room this session never joined is a no-op.
		return nil
	}
	room.Leave(sess.client.SessionID)

	ann, _ := json.Marshal(v1.ParticipantPayload{ConversationID: room.ID, UserID: sess.client.UserID})
	room.Broadcast(newEnvelope(v1.KindParticipantLeft, ann, time.Now().UTC()))
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.SendMessagePayload
	if err := g.decode(env, &p); err != nil {
		return err
	}

	res, effects, err := g.core.SendMessage(ctx, chat.SendInput{
		ConversationID: p.ConversationID,
		SenderID:       sess.client.UserID,
		ClientMsgID:    p.ClientMsgID,
		Type:           chat.MessageType(p.Type),
		Content:        p.Content,
		FileRef:        p.FileRef,
		ReplyTo:        p.ReplyTo,
	})
	if err != nil {
		return err
	}

	if err := g.sendAck(ctx, sess.client, res); err != nil {
		return err
	}
	g.applyEffects(effects)
	return nil
}

func (g *WSGateway) onMessageEdit(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.EditMessagePayload
	if err := g.decode(env, &p); err != nil {
		return err
	}

	_, effects, err := g.core.EditMessage(ctx, chat.EditInput{
		UserID:    sess.client.UserID,
		MessageID: p.MessageID,
		Content:   p.Content,
	})
	if err != nil {
		return err
	}
	g.applyEffects(effects)
	return nil
}

func (g *WSGateway) onMessageDelete(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.DeleteMessagePayload
	if err := g.decode(env, &p); err != nil {
		return err
	}

	effects, err := g.core.DeleteMessageGlobally(ctx, sess.client.UserID, p.MessageID)
	if err != nil {
		return err
	}
	g.applyEffects(effects)
	return nil
}

func (g *WSGateway) onMessageDeleteForMe(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.DeleteMessagePayload
	if err := g.decode(env, &p); err != nil {
		return err
	}
	// Per-viewer deletion changes only the caller's view; there is no fan-out.
	return g.core.DeleteMessageForViewer(ctx, sess.client.UserID, p.MessageID)
}

func (g *WSGateway) onMessageReact(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.ReactPayload
	if err := g.decode(env, &p); err != nil {
		return err
	}

	effects, err := g.core.SetReaction(ctx, chat.ReactionInput{
		UserID:    sess.client.UserID,
		MessageID: p.MessageID,
		Value:     p.Value,
	})
	if err != nil {
		return err
	}
	g.applyEffects(effects)
	return nil
}

func (g *WSGateway) onMessageForward(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.ForwardMessagePayload
	if err := g.decode(env, &p); err != nil {
		return err
	}

	res, effects, err := g.core.ForwardMessage(ctx, chat.ForwardInput{
		UserID:               sess.client.UserID,
		MessageID:            p.MessageID,
		TargetConversationID: p.TargetConversationID,
		ClientMsgID:          p.ClientMsgID,
	})
	if err != nil {
		return err
	}

	if err := g.sendAck(ctx, sess.client, res); err != nil {
		return err
	}
	g.applyEffects(effects)
	return nil
}

func (g *WSGateway) onReadMark(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.ReadMarkPayload
	if err := g.decode(env, &p); err != nil {
		return err
	}

	receipt, effects, err := g.core.MarkRead(ctx, sess.client.UserID, p.ConversationID)
	if err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.MessagesReadPayload{
		ConversationID: receipt.ConversationID,
		ReaderID:       receipt.ReaderID,
		Count:          receipt.Count,
		At:             receipt.At,
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.KindReadAck, ackPayload, receipt.At)) {
		return errors.New("backpressure: read.ack")
	}
	g.applyEffects(effects)
	return nil
}

func (g *WSGateway) onTypingSet(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.TypingSetPayload
	if err := g.decode(env, &p); err != nil {
		return err
	}

	effects, err := g.core.Typing(ctx, sess.client.UserID, p.ConversationID, p.IsTyping)
	if err != nil {
		return err
	}
	g.applyEffects(effects)
	return nil
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := g.decode(env, &p); err != nil {
		return err
	}

	res, err := g.core.History(ctx, chat.HistoryInput{
		UserID:         sess.client.UserID,
		ConversationID: p.ConversationID,
		AfterSeq:       p.AfterSeq,
		Limit:          p.Limit,
	})
	if err != nil {
		return err
	}

	chunkPayload, _ := json.Marshal(v1.HistoryChunkPayload{
		ConversationID: res.ConversationID,
		Messages:       chat.WireMessages(res.Messages),
		HasMore:        res.HasMore,
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.KindHistoryChunk, chunkPayload, time.Now().UTC())) {
		return errors.New("backpressure: history.chunk")
	}
	return nil
}

func (g *WSGateway) onSearchQuery(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.SearchQueryPayload
	if err := g.decode(env, &p); err != nil {
		return err
	}

	views, err := g.core.Search(ctx, sess.client.UserID, p.Query, p.ConversationID, p.Limit)
	if err != nil {
		return err
	}

	resultPayload, _ := json.Marshal(v1.SearchResultPayload{
		Query:    p.Query,
		Messages: chat.WireMessages(views),
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.KindSearchResult, resultPayload, time.Now().UTC())) {
		return errors.New("backpressure: search.result")
	}
	return nil
}

func (g *WSGateway) onConversationList(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.ConversationListPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return chat.Validation("invalid payload: " + err.Error())
		}
	}

	sums, err := g.core.Conversations(ctx, sess.client.UserID)
	if err != nil {
		return err
	}

	rows := make([]v1.ConversationSummary, 0, len(sums))
	for _, s := range sums {
		rows = append(rows, v1.ConversationSummary{
			ConversationID: s.ConversationID,
			LastMessageID:  s.Preview.LastMessageID,
			Preview:        s.Preview.Text,
			LastActivityAt: s.Preview.LastActivityAt,
			UnreadCount:    s.UnreadCount,
		})
	}

	listPayload, _ := json.Marshal(v1.ConversationListResultPayload{Conversations: rows})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.KindConversationListResult, listPayload, time.Now().UTC())) {
		return errors.New("backpressure: conversation.list.result")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) sendAck(ctx context.Context, client *Client, res chat.SendResult) error {
	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: res.Message.ConversationID,
		ClientMsgID:    res.Message.ClientMsgID,
		MessageID:      res.Message.ID,
		Seq:            res.Message.Seq,
		Duplicate:      res.Duplicate,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.KindMessageAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: message.ack")
	}
	return nil
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.KindError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
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

// applyEffects executes the core's post-commit fan-out instructions. Rooms
// nobody subscribed to resolve to nil and are skipped; user effects reach
// every live session of the target user.
func (g *WSGateway) applyEffects(effects []chat.Effect) {
	if len(effects) == 0 {
		return
	}

	now := time.Now().UTC()
	for _, e := range effects {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			g.log.Error("ws.effect.encode.fail", "kind", e.Kind, "err", err)
			continue
		}
		env := newEnvelope(e.Kind, payload, now)

		if e.Room != "" {
			if room := g.hub.RoomIfExists(e.Room); room != nil {
				room.Broadcast(env)
			}
			continue
		}
		g.hub.SendToUser(e.User, env)
	}
}

// decode unmarshals and struct-validates a payload. All failures surface as
// validation errors to the peer.
func (g *WSGateway) decode(env v1.Envelope, out any) error {
	if len(env.Payload) == 0 {
		return chat.Validation("missing payload")
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return chat.Validation("invalid payload: " + err.Error())
	}
	if err := g.validate.Struct(out); err != nil {
		return chat.Validation("invalid payload: " + err.Error())
	}
	return nil
}

// errorCode maps a core error to the wire error code.
func errorCode(err error) string {
	switch chat.KindOf(err) {
	case chat.KindAuthorization:
		return "unauthorized"
	case chat.KindValidation:
		return "invalid"
	case chat.KindNotFound:
		return "not_found"
	case chat.KindTransient:
		return "unavailable"
	default:
		return "internal"
	}
}

// ---- envelope IO ----

func newEnvelope(kind v1.Kind, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    kind,
		ID:      ids.MustULID(ts),
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

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read,
	// and reach this point only as propagated error strings.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
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

	// URL form.
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

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
