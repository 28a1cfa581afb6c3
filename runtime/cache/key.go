package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Scope declares whether a connector action's results may be shared
// across users.
type Scope string

const (
	// ScopePublic marks results identical for every user (weather,
	// exchange rates). Public keys carry an empty salt.
	ScopePublic Scope = "public"
	// ScopeUser marks results private to the requesting user (wallet
	// balance, itinerary list). The user id salts the key so entries can
	// never leak across users.
	ScopeUser Scope = "user"
)

// Key builds the connector result cache key:
// action | sha256(canonical_json(params)) | user_scope_salt. The salt is
// empty for public scope and the user id for user scope.
func Key(action string, params map[string]any, scope Scope, userID string) (string, error) {
	canonical, err := CanonicalParams(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	salt := ""
	if scope == ScopeUser {
		salt = userID
	}
	return action + "|" + hex.EncodeToString(sum[:]) + "|" + salt, nil
}

// CanonicalParams renders params as canonical JSON: object keys sorted,
// no insignificant whitespace. encoding/json already sorts map keys at
// every nesting level, so one marshal of the decoded form is canonical.
func CanonicalParams(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("cache: canonicalize params: %w", err)
	}
	return string(b), nil
}
