// Package intent turns user utterances into validated structured intents.
// A compiled quick-match table catches unambiguous forms without a model
// call; everything else goes through the LLM in strict-JSON mode with the
// action catalog embedded in the prompt. Parsed output is validated
// against the chosen action's schema and never trusted for identity
// fields: the caller injects the requesting user and room.
package intent

import (
	"context"
)

type (
	// Intent is a validated {action, params} pair ready for routing.
	Intent struct {
		// Action names the connector action, or ActionChat for a free-form
		// assistant reply, or ActionNone when no response is warranted.
		Action string
		// Params validated against the action's schema.
		Params map[string]any
		// RequestingUser is injected by the caller, never from model
		// output.
		RequestingUser string
		// RoomID is injected by the caller.
		RoomID string
		// CorrelationID is the originating message id.
		CorrelationID string
	}

	// Input is everything the parser may consider.
	Input struct {
		// Utterance is the user message with the trigger token stripped.
		Utterance string
		// RoomContext is the room summary plus recent turns, used by the
		// LLM pass.
		RoomContext string
		// Profile is a compact description of the requesting user
		// (timezone, locale, preferences).
		Profile string
	}

	// ActionSpec describes one routable action for the catalog embedded in
	// the parser prompt.
	ActionSpec struct {
		// Name is the action identifier.
		Name string
		// Description tells the model when to choose the action.
		Description string
		// Schema is the decoded JSON Schema for the action params.
		Schema any
	}

	// Catalog lists the routable actions. The router registry implements
	// it.
	Catalog interface {
		Actions() []ActionSpec
	}

	// Parser emits intents from utterances.
	Parser interface {
		Parse(ctx context.Context, in Input) (*Intent, error)
	}
)

// Reserved action names.
const (
	// ActionChat requests a free-form assistant reply; it is also the
	// terminal fallback when strict parsing fails twice.
	ActionChat = "chat"
	// ActionNone means the assistant should stay silent.
	ActionNone = "none"
)
