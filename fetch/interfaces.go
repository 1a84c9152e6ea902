// Package fetch retrieves pending envelopes from the server under
// single-flight rules and dispatches wake-ups to execution vehicles.
package fetch

import (
	"context"
	"time"

	"github.com/companyzero/msgpull/internal/jobqueue"
	"github.com/companyzero/msgpull/internal/jobsched"
	"github.com/companyzero/msgpull/msgcipher"
	"github.com/companyzero/msgpull/rpc"
)

// Socket is an authenticated persistent connection to the message server.
// A Socket that returned an error from any of its methods must be closed and
// not reused.
type Socket interface {
	Open(ctx context.Context) error

	// ReceiveEnvelopesUntilTimeout calls onEnvelope for every envelope
	// received, in delivery order. Envelopes for which onEnvelope returns
	// nil are acknowledged to the server. It returns nil once the server
	// signals its queue is empty and an error if no frame is received
	// within timeout, the connection fails or onEnvelope returns an error.
	ReceiveEnvelopesUntilTimeout(ctx context.Context, timeout time.Duration,
		onEnvelope func(*rpc.Envelope) error) error

	Close() error
}

// SocketFactory creates a new, unopened socket.
type SocketFactory func() Socket

// EnvelopeFetcher performs one-shot authenticated pulls of pending
// envelopes.
type EnvelopeFetcher interface {
	// FetchPendingEnvelopes returns the next batch of pending envelopes
	// and whether the server has more after them.
	FetchPendingEnvelopes(ctx context.Context) ([]*rpc.Envelope, bool, error)

	// AckEnvelope removes an envelope from the server queue.
	AckEnvelope(ctx context.Context, env *rpc.Envelope) error
}

// Decrypter turns envelopes into messages. It is satisfied by
// *msgcipher.Cipher.
type Decrypter interface {
	Decrypt(env *rpc.Envelope) (*msgcipher.Message, error)
}

// MessageHandler performs the downstream work of a decrypted message
// (persistence, group updates, receipts).
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *msgcipher.Message) error
}

// MessageHandlerFunc adapts a function to a MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg *msgcipher.Message) error

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg *msgcipher.Message) error {
	return f(ctx, msg)
}

// ProcessingQueue is the downstream processing queue. It is satisfied by
// *jobqueue.Queue.
type ProcessingQueue interface {
	Enqueue(job jobqueue.Job) error
	BlockUntilQueueDrained(key string, timeout time.Duration) time.Duration
}

// FlagStore persists the flag that detects fetches interrupted by a process
// restart. It is satisfied by *flagstore.Store.
type FlagStore interface {
	SetNeedsMessagePull(v bool) error
	NeedsMessagePull() (bool, error)
}

// Visibility reports the state of the app. It is satisfied by *AppState.
type Visibility interface {
	IsAppForeground() bool
	IsNetworkCensored() bool
}

// JobScheduler schedules persisted background jobs. It is satisfied by
// *jobsched.Scheduler.
type JobScheduler interface {
	Supported() bool
	Schedule(jobID string, c jobsched.Constraints) error
}
