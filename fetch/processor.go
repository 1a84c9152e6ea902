package fetch

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/companyzero/msgpull/internal/jobqueue"
	"github.com/companyzero/msgpull/msgcipher"
	"github.com/companyzero/msgpull/rpc"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/slog"
)

// ProcessorConfig is the configuration for a Processor.
type ProcessorConfig struct {
	Decrypter Decrypter
	Queue     ProcessingQueue
	Handler   MessageHandler
	Stats     *Stats
	Log       slog.Logger
}

// Processor decrypts envelopes and hands the resulting messages to the
// processing queue.
type Processor struct {
	cfg ProcessorConfig
	log slog.Logger
}

// NewProcessor creates a new processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Processor{cfg: cfg, log: log}
}

// queueKey returns the processing queue of a message. Messages of the same
// group or (outside groups) of the same sender are processed serially.
func queueKey(msg *msgcipher.Message) string {
	if dm, ok := msg.Content.(*msgcipher.DataMessage); ok && dm.Group != nil {
		return "process:group:" + hex.EncodeToString(dm.Group.ID)
	}
	return "process:" + msg.Metadata.Sender.Name
}

// Process decrypts env and enqueues its downstream work. It returns the key
// of the queue where the work was enqueued.
//
// Decryption failures are returned wrapped in ErrEnvelopeDropped; those
// envelopes can never be processed and must not stop the batch. Any other
// error means the envelope was not handled and must not be acknowledged.
func (p *Processor) Process(ctx context.Context, env *rpc.Envelope) (string, error) {
	msg, err := p.cfg.Decrypter.Decrypt(env)
	if err != nil {
		p.cfg.Stats.envelope("dropped")
		p.log.Warnf("Dropping envelope %s: %v", env, err)
		return "", fmt.Errorf("%w: %v", ErrEnvelopeDropped, err)
	}
	if p.log.Level() <= slog.LevelTrace {
		p.log.Tracef("Decrypted envelope %s: %s", env, spew.Sdump(msg.Content))
	}

	key := queueKey(msg)
	job := jobqueue.Job{
		Key: key,
		Work: func(ctx context.Context) error {
			return p.cfg.Handler.HandleMessage(ctx, msg)
		},
		Done: func(err error) {
			if err != nil {
				p.log.Errorf("Unable to handle message from %s ts %d: %v",
					msg.Metadata.Sender, msg.Metadata.Timestamp, err)
			}
		},
	}
	if err := p.cfg.Queue.Enqueue(job); err != nil {
		return "", fmt.Errorf("unable to enqueue message from %s: %w",
			msg.Metadata.Sender, err)
	}
	p.cfg.Stats.envelope("queued")
	return key, nil
}
