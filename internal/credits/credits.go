// Package credits holds the external compensating-refund collaborator
// interface. The pipeline only triggers refunds, the ledger itself lives
// outside this service.
package credits

import "context"

// Refunder returns credits to a user after a batch conversion failed for one
// or more files.
type Refunder interface {
	RefundOnFailure(ctx context.Context, userID string, amount float64, taskID string) error
}

// Noop is a refunder that does nothing. Used when no credit system is
// configured.
var Noop Refunder = noop(0)

type noop int

func (noop) RefundOnFailure(ctx context.Context, userID string, amount float64, taskID string) error {
	return nil
}
