package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goahttp "goa.design/goa/v3/http"

	"mathia.chat/mathia/runtime/blob"
	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/fault"
	"mathia.chat/mathia/runtime/store"
)

// handleUpload accepts one multipart file and stores it under a random
// name. The response carries the URL file messages reference.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, g.maxUpload)
	if err := r.ParseMultipartForm(g.maxUpload); err != nil {
		g.writeError(ctx, w, fault.Wrap(fault.Validation, "multipart body is required", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		g.writeError(ctx, w, fault.Wrap(fault.Validation, "file field is required", err))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	url, err := g.blob.Put(ctx, blob.Object{
		ContentType: contentType,
		Size:        header.Size,
		Body:        file,
	})
	switch {
	case errors.Is(err, blob.ErrUnsupportedType):
		g.writeError(ctx, w, fault.Wrap(fault.Validation, "file type is not allowed", err))
		return
	case errors.Is(err, blob.ErrTooLarge):
		g.writeError(ctx, w, fault.Wrap(fault.Validation, "file is too large", err))
		return
	case err != nil:
		g.writeError(ctx, w, fault.Wrap(fault.UpstreamFailure, "upload storage failed", err))
		return
	}
	g.metrics.IncCounter("gateway.upload", 1)
	g.writeJSON(ctx, w, http.StatusCreated, map[string]string{"fileUrl": url})
}

// handleReadMarker advances the caller's last-read marker for a room.
func (g *Gateway) handleReadMarker(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		roomID := mux.Vars(r)["id"]
		userID := UserID(ctx)

		var body struct {
			At time.Time `json:"at"`
		}
		if r.ContentLength > 0 {
			if err := g.decodeBody(r, &body); err != nil {
				g.writeError(ctx, w, err)
				return
			}
		}
		at := body.At
		if at.IsZero() {
			at = g.now().UTC()
		}

		if err := g.requireMember(ctx, roomID, userID); err != nil {
			g.writeError(ctx, w, err)
			return
		}
		if err := g.stores.Members.UpdateLastRead(ctx, roomID, userID, at); err != nil {
			g.writeError(ctx, w, g.storeFault("read marker update failed", err))
			return
		}
		g.writeJSON(ctx, w, http.StatusOK, map[string]any{"chatid": roomID, "read_at": at})
	}
}

// handleQuota reports the caller's connector window occupancy.
func (g *Gateway) handleQuota(mux goahttp.Muxer) http.HandlerFunc {
	type connectorQuota struct {
		Name      string `json:"name"`
		Used      int    `json:"used"`
		Remaining int    `json:"remaining"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		roomID := mux.Vars(r)["id"]
		userID := UserID(ctx)
		if err := g.requireMember(ctx, roomID, userID); err != nil {
			g.writeError(ctx, w, err)
			return
		}

		quotas := make([]connectorQuota, 0, len(g.connectors))
		for _, name := range g.connectors {
			used, err := g.usage.Usage(ctx, userID+"|"+name, g.quotaWindow)
			if err != nil {
				g.writeError(ctx, w, fault.Wrap(fault.UpstreamFailure, "quota read failed", err))
				return
			}
			remaining := g.quotaLimit - used
			if remaining < 0 {
				remaining = 0
			}
			quotas = append(quotas, connectorQuota{Name: name, Used: used, Remaining: remaining})
		}
		g.writeJSON(ctx, w, http.StatusOK, map[string]any{
			"limit":          g.quotaLimit,
			"window_seconds": int(g.quotaWindow.Seconds()),
			"connectors":     quotas,
		})
	}
}

// handleHistory serves a decrypted history page over HTTP, the same path
// fetch_messages takes on the socket.
func (g *Gateway) handleHistory(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		roomID := mux.Vars(r)["id"]
		userID := UserID(ctx)

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				g.writeError(ctx, w, fault.Invalid("invalid paging", map[string]string{"limit": "must be an integer"}))
				return
			}
			limit = n
		}
		before := r.URL.Query().Get("before")

		messages, cursor, err := g.pipeline.FetchMessages(ctx, chat.Session{UserID: userID}, roomID, before, limit)
		if err != nil {
			g.writeError(ctx, w, err)
			return
		}
		g.writeJSON(ctx, w, http.StatusOK, map[string]any{"messages": messages, "cursor": cursor})
	}
}

// handlePin toggles the pin marker on a message in a room the caller
// belongs to.
func (g *Gateway) handlePin(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		msgID := mux.Vars(r)["id"]
		userID := UserID(ctx)

		var body struct {
			Pinned *bool `json:"pinned"`
		}
		if err := g.decodeBody(r, &body); err != nil {
			g.writeError(ctx, w, err)
			return
		}
		if body.Pinned == nil {
			g.writeError(ctx, w, fault.Invalid("invalid pin request", map[string]string{"pinned": "is required"}))
			return
		}

		msg, err := g.stores.Messages.Get(ctx, msgID)
		if err != nil {
			g.writeError(ctx, w, g.storeFault("message lookup failed", err))
			return
		}
		if err := g.requireMember(ctx, msg.RoomID, userID); err != nil {
			g.writeError(ctx, w, err)
			return
		}
		if err := g.stores.Messages.SetPinned(ctx, msgID, *body.Pinned); err != nil {
			g.writeError(ctx, w, g.storeFault("pin update failed", err))
			return
		}
		g.writeJSON(ctx, w, http.StatusOK, map[string]any{"id": msgID, "pinned": *body.Pinned})
	}
}

// handleReply posts a threaded reply through the same pipeline as socket
// messages, so ordering, encryption and assistant triggers all apply.
func (g *Gateway) handleReply(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		parentID := mux.Vars(r)["id"]
		userID := UserID(ctx)

		var body struct {
			Message        string `json:"message"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := g.decodeBody(r, &body); err != nil {
			g.writeError(ctx, w, err)
			return
		}
		if strings.TrimSpace(body.Message) == "" {
			g.writeError(ctx, w, fault.Invalid("invalid reply", map[string]string{"message": "is required"}))
			return
		}

		parent, err := g.stores.Messages.Get(ctx, parentID)
		if err != nil {
			g.writeError(ctx, w, g.storeFault("parent message lookup failed", err))
			return
		}
		msg, err := g.pipeline.HandleNewMessage(ctx, chat.Session{UserID: userID}, &chat.ClientFrame{
			Command:        chat.CmdNewMessage,
			ChatID:         parent.RoomID,
			Body:           body.Message,
			ParentID:       parentID,
			IdempotencyKey: body.IdempotencyKey,
		})
		if err != nil {
			g.writeError(ctx, w, err)
			return
		}
		if msg == nil {
			// Duplicate idempotency key: the original send already landed.
			g.writeJSON(ctx, w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
		g.writeJSON(ctx, w, http.StatusCreated, map[string]any{
			"id":        msg.ID,
			"chatid":    msg.RoomID,
			"parent_id": msg.ParentID,
			"timestamp": msg.Timestamp,
		})
	}
}

// noteView is the decrypted note representation.
type noteView struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (g *Gateway) handleListNotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)
	notes, err := g.stores.Notes.ListForUser(ctx, userID)
	if err != nil {
		g.writeError(ctx, w, g.storeFault("notes list failed", err))
		return
	}
	views := make([]noteView, 0, len(notes))
	for _, n := range notes {
		views = append(views, g.noteView(ctx, userID, n))
	}
	g.writeJSON(ctx, w, http.StatusOK, map[string]any{"notes": views})
}

func (g *Gateway) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)

	var body struct {
		Body string `json:"body"`
	}
	if err := g.decodeBody(r, &body); err != nil {
		g.writeError(ctx, w, err)
		return
	}
	if strings.TrimSpace(body.Body) == "" {
		g.writeError(ctx, w, fault.Invalid("invalid note", map[string]string{"body": "is required"}))
		return
	}

	ciphertext, nonce, err := g.sealNote(ctx, userID, body.Body)
	if err != nil {
		g.writeError(ctx, w, err)
		return
	}
	now := g.now().UTC()
	note := &store.Note{
		ID:         uuid.NewString(),
		UserID:     userID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.stores.Notes.Create(ctx, note); err != nil {
		g.writeError(ctx, w, g.storeFault("note create failed", err))
		return
	}
	g.writeJSON(ctx, w, http.StatusCreated, noteView{ID: note.ID, Body: body.Body, CreatedAt: now, UpdatedAt: now})
}

func (g *Gateway) handleUpdateNote(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		noteID := mux.Vars(r)["id"]
		userID := UserID(ctx)

		var body struct {
			Body string `json:"body"`
		}
		if err := g.decodeBody(r, &body); err != nil {
			g.writeError(ctx, w, err)
			return
		}
		if strings.TrimSpace(body.Body) == "" {
			g.writeError(ctx, w, fault.Invalid("invalid note", map[string]string{"body": "is required"}))
			return
		}

		note, err := g.stores.Notes.Get(ctx, noteID, userID)
		if err != nil {
			g.writeError(ctx, w, g.storeFault("note lookup failed", err))
			return
		}
		ciphertext, nonce, err := g.sealNote(ctx, userID, body.Body)
		if err != nil {
			g.writeError(ctx, w, err)
			return
		}
		note.Ciphertext = ciphertext
		note.Nonce = nonce
		note.UpdatedAt = g.now().UTC()
		if err := g.stores.Notes.Update(ctx, note); err != nil {
			g.writeError(ctx, w, g.storeFault("note update failed", err))
			return
		}
		g.writeJSON(ctx, w, http.StatusOK, noteView{ID: note.ID, Body: body.Body, CreatedAt: note.CreatedAt, UpdatedAt: note.UpdatedAt})
	}
}

func (g *Gateway) handleDeleteNote(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		noteID := mux.Vars(r)["id"]
		if err := g.stores.Notes.Delete(ctx, noteID, UserID(ctx)); err != nil {
			g.writeError(ctx, w, g.storeFault("note delete failed", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// sealNote encrypts a note body with the caller's assistant-room key, the
// same envelope crypto messages use. The assistant room is created on
// first use when the user has none yet.
func (g *Gateway) sealNote(ctx context.Context, userID, body string) (ciphertext, nonce []byte, err error) {
	room, err := g.noteRoom(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	key, _, err := g.keys.Active(ctx, room.ID)
	if err != nil {
		return nil, nil, fault.Wrap(fault.Internal, "note key load failed", err)
	}
	ciphertext, nonce, err = g.crypto.Encrypt(key, []byte(body))
	if err != nil {
		return nil, nil, fault.Wrap(fault.Internal, "note encrypt failed", err)
	}
	return ciphertext, nonce, nil
}

func (g *Gateway) noteView(ctx context.Context, userID string, n *store.Note) noteView {
	view := noteView{ID: n.ID, Body: chat.UnreadablePlaceholder, CreatedAt: n.CreatedAt, UpdatedAt: n.UpdatedAt}
	room, err := g.noteRoom(ctx, userID)
	if err != nil {
		return view
	}
	key, _, err := g.keys.Active(ctx, room.ID)
	if err != nil {
		return view
	}
	plaintext, err := g.crypto.Decrypt(key, n.Ciphertext, n.Nonce)
	if err != nil {
		g.logger.Error(ctx, "note decrypt failed", "note", n.ID, "user", userID)
		return view
	}
	view.Body = string(plaintext)
	return view
}

func (g *Gateway) noteRoom(ctx context.Context, userID string) (*store.Room, error) {
	room, err := g.stores.Rooms.AssistantRoomFor(ctx, userID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fault.Wrap(fault.Internal, "assistant room lookup failed", err)
	}

	key, err := g.crypto.NewRoomKey()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "room key generation failed", err)
	}
	wrapped, err := g.crypto.WrapRoomKey(key)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "room key wrap failed", err)
	}
	room = &store.Room{
		ID:          uuid.NewString(),
		Kind:        store.RoomAI,
		DisplayName: "Mathia",
		OwnerID:     userID,
		CreatedAt:   g.now().UTC(),
		WrappedKey:  wrapped,
		KeyVersion:  1,
	}
	if err := g.stores.Rooms.Create(ctx, room); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost a create race; the other writer's room wins.
			return g.stores.Rooms.AssistantRoomFor(ctx, userID)
		}
		return nil, fault.Wrap(fault.Internal, "assistant room create failed", err)
	}
	if err := g.stores.Members.Add(ctx, &store.Membership{
		RoomID:   room.ID,
		UserID:   userID,
		Role:     store.RoleOwner,
		JoinedAt: room.CreatedAt,
	}); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		return nil, fault.Wrap(fault.Internal, "assistant room membership failed", err)
	}
	return room, nil
}

// handleRotateKey installs a fresh wrapped key for a room and bumps the
// version. Messages sealed under prior versions stay readable through
// the retained key records; the process cache drops its stale entry.
func (g *Gateway) handleRotateKey(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		roomID := mux.Vars(r)["id"]

		caller, err := g.stores.Users.Get(ctx, UserID(ctx))
		if err != nil {
			g.writeError(ctx, w, g.storeFault("caller lookup failed", err))
			return
		}
		if !caller.Admin {
			g.writeError(ctx, w, fault.New(fault.Forbidden, "key rotation requires an admin"))
			return
		}

		key, err := g.crypto.NewRoomKey()
		if err != nil {
			g.writeError(ctx, w, fault.Wrap(fault.Internal, "key generation failed", err))
			return
		}
		wrapped, err := g.crypto.WrapRoomKey(key)
		if err != nil {
			g.writeError(ctx, w, fault.Wrap(fault.Internal, "key wrap failed", err))
			return
		}
		version, err := g.stores.Rooms.RotateKey(ctx, roomID, wrapped)
		if err != nil {
			g.writeError(ctx, w, g.storeFault("key rotation failed", err))
			return
		}
		g.keys.Invalidate(roomID)
		g.metrics.IncCounter("gateway.key_rotated", 1)
		g.logger.Info(ctx, "room key rotated", "chatid", roomID, "version", version)
		g.writeJSON(ctx, w, http.StatusOK, map[string]any{"chatid": roomID, "key_version": version})
	}
}

func (g *Gateway) requireMember(ctx context.Context, roomID, userID string) error {
	member, err := g.stores.Members.IsMember(ctx, roomID, userID)
	if err != nil {
		return fault.Wrap(fault.Internal, "membership check failed", err)
	}
	if !member {
		return fault.New(fault.Forbidden, "not a member of this room")
	}
	return nil
}

// storeFault classifies repository errors for the boundary.
func (g *Gateway) storeFault(msg string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fault.Wrap(fault.Validation, "resource not found", err)
	case errors.Is(err, store.ErrDuplicateKey):
		return fault.Wrap(fault.Conflict, "resource already exists", err)
	case errors.Is(err, store.ErrVersionConflict):
		return fault.Wrap(fault.Conflict, "resource changed concurrently", err)
	default:
		return fault.Wrap(fault.Internal, msg, err)
	}
}
