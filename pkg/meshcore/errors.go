package meshcore

import "errors"

// Error kinds the Node Coordinator distinguishes and surfaces. User-initiated
// operations return one of these as a typed outcome; background operations
// (the receive path, the tick) log and count them instead of propagating.
var (
	// ErrInsufficientEnergy is returned when a send is refused for lack of
	// balance. The ledger is left unchanged.
	ErrInsufficientEnergy = errors.New("meshcore: insufficient energy")

	// ErrNoRoute is returned when no path to the recipient is known. Any
	// charge already applied to the sender is refunded.
	ErrNoRoute = errors.New("meshcore: no route to recipient")

	// ErrLinkUnavailable is returned when the underlying transport could
	// not be reached. Transient; the caller may retry later.
	ErrLinkUnavailable = errors.New("meshcore: link unavailable")

	// ErrTooLarge is returned when a payload exceeds the configured
	// per-message cap.
	ErrTooLarge = errors.New("meshcore: message too large")

	// ErrCryptoFailure wraps a ratchet or onion MAC failure. The offending
	// message is dropped; the session is not reset.
	ErrCryptoFailure = errors.New("meshcore: crypto failure")

	// ErrReplayOrLoop marks a message id already in the seen-set, or self
	// already present in hops_taken. Silent drop, counted.
	ErrReplayOrLoop = errors.New("meshcore: replay or loop detected")

	// ErrQueueFull marks the relay queue at capacity. Silent drop, counted.
	ErrQueueFull = errors.New("meshcore: relay queue full")

	// ErrExpired marks TTL or wall-clock age exceeded. Silent drop, counted.
	ErrExpired = errors.New("meshcore: message expired")

	// ErrStoreError wraps a persistence-layer failure. Non-fatal for
	// in-memory operation; reported once per occurrence.
	ErrStoreError = errors.New("meshcore: store error")

	// ErrIdentityCorrupt is the one fatal error: the node's own identity
	// key failed to load. The core refuses to start.
	ErrIdentityCorrupt = errors.New("meshcore: identity key corrupt")
)
