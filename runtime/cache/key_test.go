package cache

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestCanonicalParamsIsOrderIndependent(t *testing.T) {
	a := map[string]any{"origin": "Nairobi", "dest": "Mombasa", "pax": float64(2)}
	b := map[string]any{"pax": float64(2), "dest": "Mombasa", "origin": "Nairobi"}

	ca, err := CanonicalParams(a)
	require.NoError(t, err)
	cb, err := CanonicalParams(b)
	require.NoError(t, err)
	require.Equal(t, ca, cb)
}

func TestCanonicalParamsNilIsEmptyObject(t *testing.T) {
	c, err := CanonicalParams(nil)
	require.NoError(t, err)
	require.Equal(t, "{}", c)
}

func TestKeyScoping(t *testing.T) {
	params := map[string]any{"currency": "KES"}

	pub1, err := Key("get_currency", params, ScopePublic, "alice")
	require.NoError(t, err)
	pub2, err := Key("get_currency", params, ScopePublic, "bob")
	require.NoError(t, err)
	require.Equal(t, pub1, pub2, "public keys must be shared across users")

	user1, err := Key("balance", params, ScopeUser, "alice")
	require.NoError(t, err)
	user2, err := Key("balance", params, ScopeUser, "bob")
	require.NoError(t, err)
	require.NotEqual(t, user1, user2, "user-scoped keys must never collide across users")
}

// Distinct users must get distinct keys for every user-scoped action and
// every parameter set.
func TestUserScopeIsolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("user-scoped keys differ across users", prop.ForAll(
		func(action, userA, userB, pk, pv string) bool {
			if userA == userB {
				return true
			}
			params := map[string]any{pk: pv}
			ka, err := Key(action, params, ScopeUser, userA)
			if err != nil {
				return false
			}
			kb, err := Key(action, params, ScopeUser, userB)
			if err != nil {
				return false
			}
			return ka != kb
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.Property("same triple always yields the same key", prop.ForAll(
		func(action, user, pk, pv string) bool {
			params := map[string]any{pk: pv}
			k1, err := Key(action, params, ScopeUser, user)
			if err != nil {
				return false
			}
			k2, err := Key(action, params, ScopeUser, user)
			if err != nil {
				return false
			}
			return k1 == k2
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
