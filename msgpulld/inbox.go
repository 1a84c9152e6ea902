package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/companyzero/msgpull/internal/jsonfile"
	"github.com/companyzero/msgpull/msgcipher"
	"github.com/decred/slog"
)

// inboxEntry is the on-disk form of a delivered message.
type inboxEntry struct {
	Sender          string                   `json:"sender"`
	Timestamp       int64                    `json:"timestamp"`
	ServerTimestamp int64                    `json:"server_timestamp"`
	ServerGUID      string                   `json:"server_guid,omitempty"`
	NeedsReceipt    bool                     `json:"needs_receipt,omitempty"`
	Kind            string                   `json:"kind"`
	Content         msgcipher.Content        `json:"content"`
	Profile         *msgcipher.ProfileUpdate `json:"profile,omitempty"`
}

func contentKind(c msgcipher.Content) string {
	switch c.(type) {
	case *msgcipher.DataMessage:
		return "data"
	case *msgcipher.ReceiptMessage:
		return "receipt"
	case *msgcipher.TypingMessage:
		return "typing"
	case *msgcipher.ConfigurationMessage:
		return "configuration"
	default:
		return fmt.Sprintf("%T", c)
	}
}

// inbox is the downstream handler of decrypted messages. Every message is
// appended as a numbered json file.
type inbox struct {
	seq *jsonfile.Sequence
	log slog.Logger
}

func newInbox(root string, log slog.Logger) *inbox {
	return &inbox{
		seq: jsonfile.NewSequence(filepath.Join(root, "inbox"), "msg-", ".json"),
		log: log,
	}
}

func (in *inbox) HandleMessage(ctx context.Context, msg *msgcipher.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := inboxEntry{
		Sender:          msg.Metadata.Sender.String(),
		Timestamp:       msg.Metadata.Timestamp,
		ServerTimestamp: msg.Metadata.ServerTimestamp,
		ServerGUID:      msg.Metadata.ServerGUID,
		NeedsReceipt:    msg.Metadata.NeedsReceipt,
		Kind:            contentKind(msg.Content),
		Content:         msg.Content,
		Profile:         msg.Profile,
	}
	id, err := in.seq.Append(entry, in.log)
	if err != nil {
		return fmt.Errorf("unable to store message from %s: %w",
			entry.Sender, err)
	}
	in.log.Infof("Stored %s message %d from %s", entry.Kind, id, entry.Sender)
	return nil
}
