package domain

import "errors"

// Sentinel errors shared across modules. Callers discriminate with
// errors.Is; wrap with fmt.Errorf("...: %w", err) to add context.
var (
	// ErrNoPortfolio indicates the user has no portfolio on record.
	ErrNoPortfolio = errors.New("no portfolio found for user")

	// ErrNoPendingTrade indicates an approval or cancel arrived with no
	// pending transaction to act on.
	ErrNoPendingTrade = errors.New("no pending trade")

	// ErrInvalidStateTransition indicates an attempt to move a transaction
	// out of a terminal status, or to an unknown status.
	ErrInvalidStateTransition = errors.New("invalid transaction state transition")

	// ErrInvalidOrder indicates an order request that fails structural
	// validation before it reaches the broker.
	ErrInvalidOrder = errors.New("invalid order request")

	// ErrNotLoaded indicates the policy store has no snapshot yet.
	ErrNotLoaded = errors.New("policy not loaded")

	// ErrPolicySource indicates the policy source file is unreadable or
	// fails validation; the store keeps serving the previous snapshot.
	ErrPolicySource = errors.New("policy source error")

	// ErrStore indicates an unexpected persistence failure.
	ErrStore = errors.New("store error")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
)
