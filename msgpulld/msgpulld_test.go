package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/companyzero/msgpull/fetch"
	"github.com/companyzero/msgpull/internal/assert"
	"github.com/companyzero/msgpull/internal/testutils"
	"github.com/companyzero/msgpull/msgcipher"
	"github.com/companyzero/msgpull/ratchet"
	"github.com/decred/slog"
)

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	fname := filepath.Join(testutils.TempTestDir(t, "msgpulld-cfg"), "msgpulld.conf")
	if err := os.WriteFile(fname, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return fname
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	root := testutils.TempTestDir(t, "msgpulld-root")
	fname := writeTestConfig(t, `
server = https://example.com:8443
username = alice
root = `+root+`
dbbackend = mem

[fetch]
draintimeout = 2s
minforegroundinterval = 1d
foregroundvehicle = false

[listen]
metrics = 127.0.0.1:9100
`)
	cfg, err := loadConfig([]string{"-cfg", fname})
	assert.NilErr(t, err)
	assert.DeepEqual(t, cfg.ServerURL, "https://example.com:8443")
	assert.DeepEqual(t, cfg.WSURL, "wss://example.com:8443/v1/websocket")
	assert.DeepEqual(t, cfg.Username, "alice")
	assert.DeepEqual(t, cfg.Root, root)
	assert.DeepEqual(t, cfg.DBBackend, "mem")
	assert.DeepEqual(t, cfg.DrainTimeout, 2*time.Second)
	assert.DeepEqual(t, cfg.MinForegroundInterval, 24*time.Hour)
	assert.DeepEqual(t, cfg.SocketTimeout, 10*time.Second)
	assert.DeepEqual(t, cfg.LogFile, filepath.Join(root, "logs", "msgpulld.log"))
	assert.DeepEqual(t, cfg.MetricsListen, "127.0.0.1:9100")
	assert.BoolIs(t, cfg.ForegroundVehicle, false)
	assert.BoolIs(t, cfg.JobScheduler, true)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  string
	}{
		{"no username", "server = https://example.com\n"},
		{"bad server", "username = a\nserver = example.com\n"},
		{"bad backend", "username = a\ndbbackend = sql\n"},
		{"bad duration", "username = a\n[fetch]\ndraintimeout = soon\n"},
		{"bad trust root", "username = a\ntrustroot = 0102\n"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fname := writeTestConfig(t, tc.cfg)
			_, err := loadConfig([]string{"-cfg", fname})
			assert.NonNilErr(t, err)
		})
	}

	// An explicitly specified config must exist.
	_, err := loadConfig([]string{"-cfg", "/does/not/exist.conf"})
	assert.NonNilErr(t, err)
}

func TestLogBackendDebugLevel(t *testing.T) {
	t.Parallel()

	bknd, err := newLogBackend("", "debug,FTCH=trace", 0, nil)
	assert.NilErr(t, err)
	assert.DeepEqual(t, bknd.logger("MPLD").Level(), slog.LevelDebug)
	assert.DeepEqual(t, bknd.logger("FTCH").Level(), slog.LevelTrace)

	_, err = newLogBackend("", "a=b=c", 0, nil)
	assert.NonNilErr(t, err)
	_, err = newLogBackend("", "loud", 0, nil)
	assert.NonNilErr(t, err)
}

func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	root := testutils.TempTestDir(t, "msgpulld-daemon")
	cfg := &config{
		ServerURL: "http://127.0.0.1:1",
		WSURL:     "ws://127.0.0.1:1/v1/websocket",
		Username:  "alice",
		DeviceID:  1,
		Root:      root,
		DBBackend: "mem",

		ForegroundVehicle:     true,
		JobScheduler:          true,
		MinForegroundInterval: time.Minute,
	}
	bknd, err := newLogBackend("", "info", 0, nil)
	assert.NilErr(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d, err := newDaemon(ctx, cfg, bknd)
	assert.NilErr(t, err)
	t.Cleanup(func() { d.store.Close() })
	return d
}

func TestInitIdentityOnce(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t)
	id1, err := d.store.IdentityKeyPair()
	assert.NilErr(t, err)
	n, err := d.store.PreKeyCount()
	assert.NilErr(t, err)
	assert.DeepEqual(t, n, initialPreKeys)

	assert.NilErr(t, initIdentity(d.store, slog.Disabled))
	id2, err := d.store.IdentityKeyPair()
	assert.NilErr(t, err)
	assert.DeepEqual(t, id2.Public, id1.Public)
}

func TestPushEndpoint(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t)
	srv := httptest.NewServer(d.wakeUpMux())
	t.Cleanup(srv.Close)

	// Normal priority wake-ups are deferred to the job scheduler.
	resp, err := http.Post(srv.URL+"/push?priority=normal&reason=test", "", nil)
	assert.NilErr(t, err)
	var pushReply struct {
		Vehicle string `json:"vehicle"`
	}
	assert.NilErr(t, json.NewDecoder(resp.Body).Decode(&pushReply))
	resp.Body.Close()
	assert.DeepEqual(t, pushReply.Vehicle, fetch.VehicleScheduled.String())

	resp, err = http.Get(srv.URL + "/state")
	assert.NilErr(t, err)
	var state struct {
		Scheduled []string `json:"scheduled"`
	}
	assert.NilErr(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.DeepEqual(t, state.Scheduled, []string{fetch.FetchJobID})

	resp, err = http.Post(srv.URL+"/push?priority=urgent", "", nil)
	assert.NilErr(t, err)
	resp.Body.Close()
	assert.DeepEqual(t, resp.StatusCode, http.StatusBadRequest)

	resp, err = http.Get(srv.URL + "/push")
	assert.NilErr(t, err)
	resp.Body.Close()
	assert.DeepEqual(t, resp.StatusCode, http.StatusMethodNotAllowed)
}

func TestStateEndpoint(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t)
	srv := httptest.NewServer(d.wakeUpMux())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/state?foreground=true&idle=1", "", nil)
	assert.NilErr(t, err)
	resp.Body.Close()
	assert.BoolIs(t, d.app.IsAppForeground(), true)
	assert.BoolIs(t, d.app.IsIdle(), true)
	assert.BoolIs(t, d.app.IsNetworkAvailable(), true)

	resp, err = http.Post(srv.URL+"/state?network=maybe", "", nil)
	assert.NilErr(t, err)
	resp.Body.Close()
	assert.DeepEqual(t, resp.StatusCode, http.StatusBadRequest)
}

func TestInboxStoresMessages(t *testing.T) {
	t.Parallel()

	root := testutils.TempTestDir(t, "msgpulld-inbox")
	in := newInbox(root, testutils.TestLoggerSys(t, "INBX"))
	msg := &msgcipher.Message{
		Metadata: msgcipher.Metadata{
			Sender:    ratchet.NewAddress("bob", 2),
			Timestamp: 1000,
		},
		Content: &msgcipher.DataMessage{Body: "hello", Timestamp: 1000},
	}
	assert.NilErr(t, in.HandleMessage(context.Background(), msg))
	assert.NilErr(t, in.HandleMessage(context.Background(), msg))

	files, err := in.seq.Files()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(files), 2)

	b, err := os.ReadFile(files[1].Filename)
	assert.NilErr(t, err)
	var entry struct {
		Sender string `json:"sender"`
		Kind   string `json:"kind"`
	}
	assert.NilErr(t, json.Unmarshal(b, &entry))
	assert.DeepEqual(t, entry.Sender, "bob.2")
	assert.DeepEqual(t, entry.Kind, "data")
}
