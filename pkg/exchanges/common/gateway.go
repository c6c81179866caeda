package common

import "context"

// Gateway is the contract shared by the live exchange adapter and the simulator.
type Gateway interface {
	// Submit places an order. Re-submitting a known client order id must not
	// create a second order; implementations return ErrDuplicateOrder instead.
	Submit(ctx context.Context, req SubmitRequest) (SubmitAck, error)
	Cancel(ctx context.Context, symbol, clientOrderID string) (CancelAck, error)
	// Query returns the current snapshot, or ErrOrderNotFound.
	Query(ctx context.Context, symbol, clientOrderID string) (OrderSnapshot, error)
	// Fills streams executions as the exchange reports them.
	Fills() <-chan Fill
}
