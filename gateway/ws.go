package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	goahttp "goa.design/goa/v3/http"

	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/fault"
)

// Socket read policy: clients ping every 30 seconds and are dropped after
// the liveness window passes without one.
const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 << 10,
	WriteBufferSize: 4 << 10,
}

// wsTransport adapts one gorilla connection to chat.Transport. gorilla
// permits a single concurrent writer, so every write holds the mutex.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) WriteFrame(ctx context.Context, f *chat.ServerFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return t.conn.Close()
}

var _ chat.Transport = (*wsTransport)(nil)

// handleWS upgrades, authenticates against the session cookie and joins
// the hub. Authentication and membership failures close with their
// dedicated codes so clients can distinguish "log in again" from "you
// were removed".
func (g *Gateway) handleWS(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["room_id"]
		ctx := r.Context()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			g.logger.Debug(ctx, "websocket upgrade failed", "room", roomID, "err", err)
			return
		}
		t := &wsTransport{conn: conn}

		userID, err := g.authenticate(r)
		if err != nil {
			_ = t.Close(chat.CloseUnauthenticated, "session missing or expired")
			return
		}
		member, err := g.stores.Members.IsMember(ctx, roomID, userID)
		if err != nil {
			g.logger.Error(ctx, "socket membership check failed", "room", roomID, "user", userID, "err", err)
			_ = t.Close(chat.CloseInternal, "membership check failed")
			return
		}
		if !member {
			_ = t.Close(chat.CloseForbidden, "not a member of this room")
			return
		}

		sessionID := uuid.NewString()
		if err := g.hub.Join(ctx, userID, sessionID, roomID, t); err != nil {
			_ = t.Close(chat.CloseInternal, "join failed")
			return
		}
		g.metrics.IncCounter("gateway.ws.connect", 1)

		g.readLoop(ctx, conn, t, chat.Session{UserID: userID, SessionID: sessionID}, roomID)

		g.hub.Leave(context.WithoutCancel(ctx), userID, sessionID, roomID)
		g.metrics.IncCounter("gateway.ws.disconnect", 1)
		_ = conn.Close()
	}
}

// readLoop is the goroutine-per-connection inbound path. It returns when
// the peer goes away, the liveness window lapses or a frame forces a
// close.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, t *wsTransport, sess chat.Session, roomID string) {
	conn.SetReadLimit(wsReadLimit)
	refresh := func() {
		_ = conn.SetReadDeadline(time.Now().Add(chat.LivenessWindow))
	}
	refresh()
	conn.SetPongHandler(func(string) error {
		refresh()
		g.hub.Heartbeat(ctx, roomID, sess.UserID)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		refresh()

		var frame chat.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.writeErrorFrame(ctx, t, roomID, fault.New(fault.Validation, "frame is not valid JSON"))
			continue
		}
		if frame.ChatID == "" {
			frame.ChatID = roomID
		}
		if frame.ChatID != roomID {
			g.writeErrorFrame(ctx, t, roomID, fault.New(fault.Validation, "chatid does not match this socket"))
			continue
		}

		if closed := g.dispatch(ctx, t, sess, roomID, &frame); closed {
			return
		}
	}
}

// dispatch routes one inbound frame. It reports true when the connection
// was closed and reading must stop.
func (g *Gateway) dispatch(ctx context.Context, t *wsTransport, sess chat.Session, roomID string, frame *chat.ClientFrame) bool {
	switch frame.Command {
	case chat.CmdPing:
		g.hub.Heartbeat(ctx, roomID, sess.UserID)
		_ = t.WriteFrame(ctx, &chat.ServerFrame{Command: chat.CmdPong, ChatID: roomID})
		return false

	case chat.CmdTyping:
		g.hub.Typing(roomID, sess.UserID)
		return false

	case chat.CmdNewMessage:
		_, err := g.pipeline.HandleNewMessage(ctx, sess, frame)
		return g.handleFrameError(ctx, t, roomID, err)

	case chat.CmdFileMessage:
		_, err := g.pipeline.HandleFileMessage(ctx, sess, frame)
		return g.handleFrameError(ctx, t, roomID, err)

	case chat.CmdFetchMessages:
		messages, cursor, err := g.pipeline.FetchMessages(ctx, sess, roomID, frame.Before, frame.Limit)
		if err != nil {
			return g.handleFrameError(ctx, t, roomID, err)
		}
		_ = t.WriteFrame(ctx, &chat.ServerFrame{
			Command:  chat.CmdMessages,
			ChatID:   roomID,
			Messages: messages,
			Cursor:   cursor,
		})
		return false

	default:
		g.writeErrorFrame(ctx, t, roomID, fault.Errorf(fault.Validation, "unknown command %q", frame.Command))
		return false
	}
}

// handleFrameError applies the close-code policy: authorization failures
// close the socket, a stalled sender closes with the backpressure code,
// everything else surfaces as an error frame and the connection lives on.
// Rate-limit drops are silent here because the pipeline already sent the
// system notice.
func (g *Gateway) handleFrameError(ctx context.Context, t *wsTransport, roomID string, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, chat.ErrSenderStalled) {
		_ = t.Close(chat.CloseRateLimited, "broadcast backpressure")
		return true
	}
	kind := fault.KindOf(err)
	switch kind {
	case fault.Unauthenticated, fault.Forbidden:
		_ = t.Close(fault.CloseCode(kind), "not allowed")
		return true
	case fault.RateLimited:
		return false
	case fault.Validation:
		g.writeErrorFrame(ctx, t, roomID, err)
		return false
	default:
		g.logger.Error(ctx, "frame handling failed", "room", roomID, "trace", TraceID(ctx), "err", err)
		g.writeErrorFrame(ctx, t, roomID, fault.New(fault.Internal, "something went wrong"))
		return false
	}
}

func (g *Gateway) writeErrorFrame(ctx context.Context, t *wsTransport, roomID string, err error) {
	kind := fault.KindOf(err)
	msg := "something went wrong"
	var fe *fault.Error
	if errors.As(err, &fe) && kind != fault.Internal {
		msg = fe.Msg
	}
	_ = t.WriteFrame(ctx, &chat.ServerFrame{
		Command: chat.CmdError,
		ChatID:  roomID,
		Error:   &chat.WireError{Code: string(kind), Message: msg},
	})
}
