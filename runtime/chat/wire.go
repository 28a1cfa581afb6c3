// Package chat implements the realtime core: the per-room hub with
// ordered fan-out and presence, the wire frame vocabulary, and the
// message pipeline that persists encrypted bodies and forks assistant
// requests into the intent pipeline.
package chat

import (
	"time"
)

// Client-to-server commands.
const (
	CmdFetchMessages = "fetch_messages"
	CmdNewMessage    = "new_message"
	CmdTyping        = "typing"
	CmdFileMessage   = "file_message"
	CmdPing          = "ping"
)

// Server-to-client commands.
const (
	CmdMessages         = "messages"
	CmdAIStream         = "ai_stream"
	CmdAIMessageSaved   = "ai_message_saved"
	CmdPresence         = "presence"
	CmdPresenceSnapshot = "presence_snapshot"
	CmdError            = "error"
	CmdSystem           = "system"
	CmdPong             = "pong"
)

// WebSocket close codes for the chat endpoint.
const (
	CloseUnauthenticated = 4001
	CloseForbidden       = 4003
	CloseRateLimited     = 4008
	CloseInternal        = 1011
)

type (
	// ClientFrame is one inbound JSON frame, discriminated by Command.
	ClientFrame struct {
		Command string `json:"command"`

		// ChatID scopes the frame to a room. Present on every room-bound
		// command (multi-room contract).
		ChatID string `json:"chatid,omitempty"`

		// new_message body text.
		Body           string `json:"message,omitempty"`
		IdempotencyKey string `json:"idempotency_key,omitempty"`
		ParentID       string `json:"parent_id,omitempty"`

		// file_message fields.
		FileRef  string `json:"file_ref,omitempty"`
		FileKind string `json:"kind,omitempty"`

		// fetch_messages paging.
		Before string `json:"before,omitempty"`
		Limit  int    `json:"limit,omitempty"`

		// typing indicator source.
		From string `json:"from,omitempty"`
	}

	// ServerFrame is one outbound JSON frame.
	ServerFrame struct {
		Command string `json:"command"`
		ChatID  string `json:"chatid,omitempty"`

		// new_message / ai_message_saved payload.
		Message *WireMessage `json:"message,omitempty"`

		// messages payload with the cursor for the next older page.
		Messages []*WireMessage `json:"messages,omitempty"`
		Cursor   string         `json:"cursor,omitempty"`

		// ai_stream payload.
		CorrelationID string `json:"correlation_id,omitempty"`
		Chunk         string `json:"chunk,omitempty"`
		IsFinal       bool   `json:"is_final,omitempty"`

		// presence / presence_snapshot payloads.
		Presence *PresenceDelta `json:"presence,omitempty"`
		Snapshot *Snapshot      `json:"snapshot,omitempty"`

		// typing indicator source.
		From string `json:"from,omitempty"`

		// error payload.
		Error *WireError `json:"error,omitempty"`

		// system note text.
		Text string `json:"text,omitempty"`
	}

	// WireMessage is a message decrypted for transport. Plaintext exists
	// only at this egress boundary; the store keeps ciphertext.
	WireMessage struct {
		ID        string    `json:"id"`
		ChatID    string    `json:"chatid"`
		Sender    string    `json:"sender"`
		Body      string    `json:"body"`
		Timestamp time.Time `json:"timestamp"`
		ParentID  string    `json:"parent_id,omitempty"`
		Kind      string    `json:"kind,omitempty"`
		Assistant bool      `json:"assistant,omitempty"`
		Moderated bool      `json:"moderated,omitempty"`
		Pinned    bool      `json:"pinned,omitempty"`
	}

	// PresenceDelta reports one user's status change.
	PresenceDelta struct {
		User     string     `json:"user"`
		Status   string     `json:"status"`
		LastSeen *time.Time `json:"last_seen,omitempty"`
	}

	// Snapshot is the room presence view sent to each client on join.
	Snapshot struct {
		Online   []string        `json:"online"`
		Presence []PresenceDelta `json:"presence"`
	}

	// WireError is the error payload of an error frame.
	WireError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UnreadablePlaceholder is surfaced for messages whose ciphertext fails
// to decrypt; history never silently drops entries.
const UnreadablePlaceholder = "[unreadable]"
