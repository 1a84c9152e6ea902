package fetch

import "errors"

var (
	// ErrEnvelopeDropped wraps failures to decrypt a single envelope. The
	// envelope is acknowledged and the rest of the batch is processed.
	ErrEnvelopeDropped = errors.New("envelope dropped")

	// ErrDrainTimeout is returned by SocketStrategy when the downstream
	// work of the received envelopes did not complete in time.
	ErrDrainTimeout = errors.New("processing queue did not drain in time")

	// ErrReplaced completes the handle of pending work that was replaced
	// by newer work before starting.
	ErrReplaced = errors.New("replaced by newer work")

	// ErrDeferred completes the handle of work handed to the job
	// scheduler.
	ErrDeferred = errors.New("deferred to the job scheduler")

	// ErrVehicleUnavailable is returned when a vehicle cannot be
	// launched in the current context.
	ErrVehicleUnavailable = errors.New("execution vehicle unavailable")
)
