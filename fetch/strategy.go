package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/companyzero/msgpull/rpc"
	"github.com/decred/slog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Strategy is one mechanism for pulling pending envelopes. A failed strategy
// signals the retriever to try the next one.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, log slog.Logger) error
}

// DefaultDrainTimeout bounds how long SocketStrategy waits for the
// downstream work of the envelopes it received.
const DefaultDrainTimeout = 10 * time.Second

// SocketStrategyConfig is the configuration for a SocketStrategy.
type SocketStrategyConfig struct {
	NewSocket SocketFactory
	Processor *Processor
	Queue     ProcessingQueue

	// SocketTimeout is passed to ReceiveEnvelopesUntilTimeout. Defaults
	// to rpc.DefaultSocketTimeout.
	SocketTimeout time.Duration

	// DrainTimeout defaults to DefaultDrainTimeout.
	DrainTimeout time.Duration
}

// SocketStrategy receives envelopes over the persistent socket and waits
// for their downstream work to complete. The socket is kept open across
// executions and recreated after any error.
type SocketStrategy struct {
	cfg SocketStrategyConfig

	mtx  sync.Mutex
	sock Socket
}

// NewSocketStrategy creates a new socket strategy.
func NewSocketStrategy(cfg SocketStrategyConfig) *SocketStrategy {
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = rpc.DefaultSocketTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &SocketStrategy{cfg: cfg}
}

func (s *SocketStrategy) Name() string { return "socket" }

// socket returns the current socket, opening a new one if needed.
func (s *SocketStrategy) socket(ctx context.Context) (Socket, error) {
	if s.sock != nil {
		return s.sock, nil
	}
	sock := s.cfg.NewSocket()
	if err := sock.Open(ctx); err != nil {
		sock.Close()
		return nil, err
	}
	s.sock = sock
	return sock, nil
}

// discardSocket must be called with mtx held.
func (s *SocketStrategy) discardSocket(log slog.Logger) {
	if s.sock == nil {
		return
	}
	if err := s.sock.Close(); err != nil {
		log.Debugf("Error closing discarded socket: %v", err)
	}
	s.sock = nil
}

func (s *SocketStrategy) Execute(ctx context.Context, log slog.Logger) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	sock, err := s.socket(ctx)
	if err != nil {
		return err
	}

	keys := make(map[string]struct{})
	var received, dropped int
	onEnvelope := func(env *rpc.Envelope) error {
		received++
		key, err := s.cfg.Processor.Process(ctx, env)
		if errors.Is(err, ErrEnvelopeDropped) {
			// Acked so the server does not redeliver it.
			dropped++
			return nil
		}
		if err != nil {
			return err
		}
		keys[key] = struct{}{}
		return nil
	}
	err = sock.ReceiveEnvelopesUntilTimeout(ctx, s.cfg.SocketTimeout, onEnvelope)
	if err != nil {
		s.discardSocket(log)
		return err
	}
	log.Debugf("Received %d envelopes (%d dropped)", received, dropped)

	// Envelopes were already acked, so the drain only bounds how long
	// this fetch holds the host process.
	sorted := maps.Keys(keys)
	slices.Sort(sorted)
	remaining := s.cfg.DrainTimeout
	for _, key := range sorted {
		remaining = s.cfg.Queue.BlockUntilQueueDrained(key, remaining)
		if remaining <= 0 {
			log.Warnf("Queue %s did not drain within %s", key, s.cfg.DrainTimeout)
			return ErrDrainTimeout
		}
	}
	return nil
}

// Close closes the persistent socket, if open.
func (s *SocketStrategy) Close() {
	s.mtx.Lock()
	s.discardSocket(slog.Disabled)
	s.mtx.Unlock()
}

// maxRestRounds bounds how many batches a single RestStrategy execution
// fetches.
const maxRestRounds = 20

// RestStrategy pulls pending envelopes with one-shot requests. It does not
// wait for the downstream work, so it suits contexts without a persistent
// connection.
type RestStrategy struct {
	fetcher   EnvelopeFetcher
	processor *Processor
}

// NewRestStrategy creates a new REST strategy.
func NewRestStrategy(fetcher EnvelopeFetcher, processor *Processor) *RestStrategy {
	return &RestStrategy{fetcher: fetcher, processor: processor}
}

func (s *RestStrategy) Name() string { return "rest" }

func (s *RestStrategy) Execute(ctx context.Context, log slog.Logger) error {
	var total int
	for round := 0; round < maxRestRounds; round++ {
		envs, more, err := s.fetcher.FetchPendingEnvelopes(ctx)
		if err != nil {
			return err
		}
		for _, env := range envs {
			_, err := s.processor.Process(ctx, env)
			if err != nil && !errors.Is(err, ErrEnvelopeDropped) {
				return err
			}
			if err := s.fetcher.AckEnvelope(ctx, env); err != nil {
				return err
			}
		}
		total += len(envs)
		if !more {
			log.Debugf("Fetched %d envelopes", total)
			return nil
		}
	}
	log.Infof("Fetched %d envelopes, more remain on server", total)
	return nil
}
