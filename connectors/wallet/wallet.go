// Package wallet exposes the read-only wallet actions: balance lookup
// and transaction history. Credits and debits only ever happen through
// the payment webhook path, so this connector never mutates state.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/store"
)

// Name is the connector identifier.
const Name = "wallet"

// Action names.
const (
	ActionBalance  = "balance"
	ActionListTxns = "list_txns"
)

// DefaultCurrency is assumed when the utterance names none.
const DefaultCurrency = "MXN"

// Connector is the wallet adapter.
type Connector struct {
	wallets store.Wallets
}

// New validates the options and constructs the adapter.
func New(wallets store.Wallets) (*Connector, error) {
	if wallets == nil {
		return nil, errors.New("wallet: wallets repository is required")
	}
	return &Connector{wallets: wallets}, nil
}

// Name implements connector.Connector.
func (c *Connector) Name() string { return Name }

// SupportedActions implements connector.Connector.
func (c *Connector) SupportedActions() []string {
	return []string{ActionBalance, ActionListTxns}
}

// ScopeOf implements connector.Connector. Wallet data is private.
func (c *Connector) ScopeOf(string) cache.Scope { return cache.ScopeUser }

// ParamSchema implements connector.Connector.
func (c *Connector) ParamSchema(action string) any {
	currency := map[string]any{"type": "string", "pattern": "^[A-Z]{3}$"}
	switch action {
	case ActionBalance:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"currency": currency,
			},
			"additionalProperties": false,
		}
	case ActionListTxns:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"currency": currency,
				"limit":    map[string]any{"type": "integer", "minimum": 1, "maximum": store.MaxTxnPage},
			},
			"additionalProperties": false,
		}
	default:
		return nil
	}
}

// Describe contributes catalog descriptions for the intent parser.
func (c *Connector) Describe(action string) string {
	switch action {
	case ActionBalance:
		return "Show the requesting user's wallet balance."
	case ActionListTxns:
		return "List the requesting user's most recent wallet transactions."
	default:
		return ""
	}
}

// TTLFor implements connector.TTLer: balances change with every webhook
// credit, so cached copies must die fast.
func (c *Connector) TTLFor(string, map[string]any) time.Duration {
	return 30 * time.Second
}

// Execute implements connector.Connector.
func (c *Connector) Execute(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	currency, _ := call.Params["currency"].(string)
	if currency == "" {
		currency = DefaultCurrency
	}

	switch call.Action {
	case ActionBalance:
		w, err := c.wallets.Get(ctx, call.UserID, currency)
		if errors.Is(err, store.ErrNotFound) {
			// No wallet yet means a zero balance, not a failure.
			return &connector.Payload{Results: []any{map[string]any{
				"currency":      currency,
				"balance_minor": int64(0),
			}}, Provider: Name}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("wallet: balance: %w", err)
		}
		return &connector.Payload{Results: []any{map[string]any{
			"currency":      w.Currency,
			"balance_minor": w.BalanceMinor,
			"updated_at":    w.UpdatedAt,
		}}, Provider: Name}, nil

	case ActionListTxns:
		limit := store.MaxTxnPage
		if v, ok := call.Params["limit"].(float64); ok && int(v) > 0 {
			limit = int(v)
		}
		txns, err := c.wallets.ListTxns(ctx, call.UserID, currency, limit)
		if err != nil {
			return nil, fmt.Errorf("wallet: list transactions: %w", err)
		}
		out := make([]any, len(txns))
		for i, txn := range txns {
			out[i] = map[string]any{
				"id":          txn.ID,
				"currency":    txn.Currency,
				"delta_minor": txn.DeltaMinor,
				"reason":      txn.Reason,
				"created_at":  txn.CreatedAt,
			}
		}
		return &connector.Payload{Results: out, Provider: Name}, nil

	default:
		return nil, fmt.Errorf("wallet: unknown action %q", call.Action)
	}
}
