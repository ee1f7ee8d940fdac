// Package cart describes the one cart operation the payment engine needs.
package cart

import "context"

// Clearer removes every item from a user's cart. Implementations are bound to
// the caller's transaction so the clear commits together with the order.
type Clearer interface {
	Clear(ctx context.Context, userID string) (removed int64, err error)
}
