package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/companyzero/msgpull/fetch"
	"github.com/companyzero/msgpull/internal/flagstore"
	"github.com/companyzero/msgpull/internal/jobqueue"
	"github.com/companyzero/msgpull/internal/jobsched"
	"github.com/companyzero/msgpull/internal/netutils"
	"github.com/companyzero/msgpull/msgcipher"
	"github.com/companyzero/msgpull/protostore"
	"github.com/companyzero/msgpull/ratchet"
	"github.com/companyzero/msgpull/transport"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	// initialPreKeys is the number of one-time pre-keys generated for a
	// new identity.
	initialPreKeys = 100

	signedPreKeyID = 1

	// maxPendingJobs bounds the downstream processing queue.
	maxPendingJobs = 1000
)

var errNetworkUnavailable = errors.New("network unavailable")

type daemon struct {
	cfg *config
	log slog.Logger

	// runCtx bounds fetches started from http requests.
	runCtx context.Context

	store      *protostore.Store
	app        *fetch.AppState
	stats      *fetch.Stats
	queue      *jobqueue.Queue
	sched      *jobsched.Scheduler
	socket     *fetch.SocketStrategy
	vehicles   []*fetch.ServiceVehicle
	dispatcher *fetch.Dispatcher
}

func openKV(cfg *config) (protostore.KV, error) {
	if cfg.DBBackend == "mem" {
		return protostore.NewMemKV(), nil
	}
	return protostore.OpenLevelKV(filepath.Join(cfg.Root, "protostore"))
}

func randomRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:])&0x3fff + 1, nil
}

// initIdentity creates the local identity and its pre-keys on first run.
func initIdentity(store *protostore.Store, log slog.Logger) error {
	has, err := store.HasLocalIdentity()
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	id, err := ratchet.GenerateIdentityKeyPair(rand.Reader)
	if err != nil {
		return err
	}
	regID, err := randomRegistrationID()
	if err != nil {
		return err
	}
	if err := store.SetLocalIdentity(id, regID); err != nil {
		return err
	}
	spk, err := ratchet.GenerateSignedPreKey(rand.Reader, id, signedPreKeyID)
	if err != nil {
		return err
	}
	if err := store.StoreSignedPreKey(spk.ID, spk); err != nil {
		return err
	}
	preKeys, err := ratchet.GeneratePreKeys(rand.Reader, 1, initialPreKeys)
	if err != nil {
		return err
	}
	for _, pk := range preKeys {
		if err := store.StorePreKey(pk.ID, pk); err != nil {
			return err
		}
	}
	log.Infof("Created new identity %s with %d pre-keys",
		id.Public.Fingerprint(), len(preKeys))
	return nil
}

func newDaemon(ctx context.Context, cfg *config, bknd *logBackend) (*daemon, error) {
	log := bknd.logger("MPLD")

	kv, err := openKV(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to open protocol store: %w", err)
	}
	local := ratchet.NewAddress(cfg.Username, cfg.DeviceID)
	store := protostore.New(protostore.Config{
		KV:        kv,
		LocalName: local.Name,
		Log:       bknd.logger("STOR"),
	})
	if err := initIdentity(store, log); err != nil {
		store.Close()
		return nil, fmt.Errorf("unable to initialize identity: %w", err)
	}
	if cfg.TrustRoot == nil {
		log.Warnf("No trust root configured: sealed sender messages " +
			"will be dropped")
	}
	cipher := msgcipher.New(msgcipher.Config{
		Store:        store,
		LocalAddress: local,
		TrustRoot:    cfg.TrustRoot,
		Log:          bknd.logger("CIPH"),
	})

	d := &daemon{
		cfg:    cfg,
		log:    log,
		runCtx: ctx,
		store:  store,
		app:    new(fetch.AppState),
		stats:  fetch.NewStats(),
	}
	fetchLog := bknd.logger("FTCH")

	d.queue = jobqueue.New(jobqueue.Config{
		MaxPending: maxPendingJobs,
		Log:        bknd.logger("JOBQ"),
	})
	flags := flagstore.New(cfg.Root, bknd.logger("FLAG"))

	// The scheduler handler needs the dispatcher, which needs the
	// scheduler.
	d.sched, err = jobsched.New(jobsched.Config{
		Dir:      filepath.Join(cfg.Root, "jobs"),
		Disabled: !cfg.JobScheduler,
		Handler: func(ctx context.Context, jobID string) bool {
			return d.dispatcher.OnScheduledJob(ctx, jobID)
		},
		NetworkAvailable: d.app.IsNetworkAvailable,
		Log:              bknd.logger("SCHD"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	d.app.OnNetworkChange(func(bool) { d.sched.NetworkChanged() })

	// Transport.
	dial := transport.NewDialer(transport.ProxyConfig{
		Addr:         cfg.ProxyAddr,
		Username:     cfg.ProxyUser,
		Password:     cfg.ProxyPass,
		TorIsolation: cfg.TorIsolation,
		CircuitLimit: cfg.CircuitLimit,
	}, d.app)
	creds := transport.Credentials{
		Username: local.String(),
		Password: cfg.Password,
	}
	wsCfg := transport.WSSocketConfig{
		URL:         cfg.WSURL,
		Credentials: creds,
		Dial:        dial,
		Log:         bknd.logger("SOCK"),
	}
	rest := transport.NewRESTFetcher(transport.RESTFetcherConfig{
		ServerURL:   cfg.ServerURL,
		Credentials: creds,
		Dial:        dial,
		Timeout:     cfg.SocketTimeout,
		Log:         bknd.logger("REST"),
	})

	// Fetch pipeline.
	processor := fetch.NewProcessor(fetch.ProcessorConfig{
		Decrypter: cipher,
		Queue:     d.queue,
		Handler:   newInbox(cfg.Root, bknd.logger("INBX")),
		Stats:     d.stats,
		Log:       fetchLog,
	})
	d.socket = fetch.NewSocketStrategy(fetch.SocketStrategyConfig{
		NewSocket:     transport.SocketFactory(wsCfg),
		Processor:     processor,
		Queue:         d.queue,
		SocketTimeout: cfg.SocketTimeout,
		DrainTimeout:  cfg.DrainTimeout,
	})
	coord := fetch.NewCoordinator(fetchLog, d.stats)
	retriever := fetch.NewRetriever(fetch.RetrieverConfig{
		Coordinator:     coord,
		Flags:           flags,
		Visibility:      d.app,
		WakeLockTimeout: cfg.WakeLockTimeout,
		Stats:           d.stats,
		Log:             fetchLog,
	})

	gate := func(kind fetch.VehicleKind) error {
		if !d.app.IsNetworkAvailable() {
			return errNetworkUnavailable
		}
		return nil
	}
	vehicleLog := bknd.logger("VHCL")
	fg := fetch.NewServiceVehicle(ctx, fetch.ServiceVehicleConfig{
		Kind:     fetch.VehicleForeground,
		Disabled: !cfg.ForegroundVehicle && !cfg.ForegroundForHighPriority,
		Gate:     gate,
		WakeLock: coord.WakeLock,
		Log:      vehicleLog,
	})
	bg := fetch.NewServiceVehicle(ctx, fetch.ServiceVehicleConfig{
		Kind:     fetch.VehicleBackground,
		WakeLock: coord.WakeLock,
		Log:      vehicleLog,
	})
	d.vehicles = []*fetch.ServiceVehicle{fg, bg}

	d.dispatcher = fetch.NewDispatcher(fetch.DispatcherConfig{
		Retriever:  retriever,
		Socket:     d.socket,
		Rest:       fetch.NewRestStrategy(rest, processor),
		Vehicles:   []fetch.Vehicle{fg, bg},
		Scheduler:  d.sched,
		RetryQueue: d.queue,
		RetryDelay: cfg.RetryDelay,
		Flags:      flags,
		Capabilities: fetch.Capabilities{
			ForegroundForHighPriority: cfg.ForegroundForHighPriority,
			ForegroundVehicle:         cfg.ForegroundVehicle,
			MinForegroundInterval:     cfg.MinForegroundInterval,
		},
		Stats: d.stats,
		Log:   bknd.logger("DSPT"),
	})

	return d, nil
}

func (d *daemon) serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	listeners, err := netutils.Listen(ctx, addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	g := new(errgroup.Group)
	for _, l := range listeners {
		l := l
		d.log.Infof("Listening on %s", l.Addr())
		g.Go(func() error {
			err := srv.Serve(l)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// run runs the daemon until ctx is canceled.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.queue.Run(gctx) })
	g.Go(func() error { return d.sched.Run(gctx) })
	if d.cfg.PushListen != "" {
		g.Go(func() error { return d.serveHTTP(gctx, d.cfg.PushListen, d.wakeUpMux()) })
	}
	if d.cfg.MetricsListen != "" {
		reg := d.stats.Registry()
		h := promhttp.InstrumentMetricHandler(reg,
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		g.Go(func() error { return d.serveHTTP(gctx, d.cfg.MetricsListen, h) })
	}

	if started, _ := d.dispatcher.RecoverInterruptedFetch(gctx); started {
		d.log.Infof("Recovering interrupted fetch")
	}

	err := g.Wait()

	d.socket.Close()
	for _, v := range d.vehicles {
		v.Wait()
	}
	if cerr := d.store.Close(); cerr != nil {
		d.log.Errorf("Unable to close protocol store: %v", cerr)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
