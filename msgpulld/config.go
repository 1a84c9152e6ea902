package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/companyzero/msgpull/rpc"
	"github.com/jrick/flagfile"
	"github.com/mitchellh/go-homedir"
	strduration "github.com/xhit/go-str2duration/v2"
	"golang.org/x/crypto/ed25519"
)

const (
	appName = "msgpulld"
	version = "0.1.0"
)

var (
	// Error to signal loadConfig() completed everything the cmd had to do
	// and main() should exit.
	errCmdDone = errors.New("cmd done")
)

type config struct {
	ServerURL string
	WSURL     string
	Username  string
	Password  string
	DeviceID  uint32
	TrustRoot ed25519.PublicKey

	Root      string
	DBBackend string

	LogFile     string
	MaxLogFiles int
	DebugLevel  string

	ProxyAddr    string
	ProxyUser    string
	ProxyPass    string
	TorIsolation bool
	CircuitLimit uint32

	PushListen    string
	MetricsListen string

	ForegroundVehicle         bool
	ForegroundForHighPriority bool
	JobScheduler              bool
	MinForegroundInterval     time.Duration
	SocketTimeout             time.Duration
	DrainTimeout              time.Duration
	WakeLockTimeout           time.Duration
	RetryDelay                time.Duration
}

// expandPath expands a leading ~ to the user's home dir.
func expandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	p, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(p), nil
}

func defaultAppDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return "." + appName
	}
	return filepath.Join(home, "."+appName)
}

func parseDurationFlag(name, v string) (time.Duration, error) {
	d, err := strduration.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for flag '%s': %v", name, err)
	}
	return d, nil
}

// loadConfig parses the command line args and the config file they point
// to. A missing config file is only an error when the config file was
// explicitly specified.
func loadConfig(args []string) (*config, error) {
	appDir := defaultAppDir()
	defaultCfgFile := filepath.Join(appDir, appName+".conf")

	// Parse CLI arguments.
	fs := flag.NewFlagSet("CLI Arguments", flag.ContinueOnError)
	flagVersion := fs.Bool("version", false, "Display current version and exit")
	flagCfgFile := fs.String("cfg", defaultCfgFile, "Config file to load")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, errCmdDone
		}
		return nil, err
	}

	if *flagVersion {
		fmt.Println("Version: " + version)
		return nil, errCmdDone
	}

	cfgFile, err := expandPath(*flagCfgFile)
	if err != nil {
		return nil, err
	}
	var cfgReader io.Reader = strings.NewReader("")
	f, err := os.Open(cfgFile)
	switch {
	case os.IsNotExist(err) && *flagCfgFile == defaultCfgFile:
		// Run with defaults.
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		cfgReader = f
	}

	// Define config file flags.
	fs = flag.NewFlagSet("Config Options", flag.ContinueOnError)
	flagServerURL := fs.String("server", "https://127.0.0.1:8080", "Base URL of the message server")
	flagWSURL := fs.String("wsurl", "", "Websocket URL (derived from the server URL when empty)")
	flagUsername := fs.String("username", "", "Account name")
	flagPassword := fs.String("password", "", "Account password")
	flagDeviceID := fs.Uint("deviceid", 1, "Device id of this install")
	flagTrustRoot := fs.String("trustroot", "", "Hex encoded sealed sender trust root public key")
	flagRootDir := fs.String("root", appDir, "Root of all app data")
	flagDBBackend := fs.String("dbbackend", "leveldb", "Protocol store backend (mem|leveldb)")
	flagProxyAddr := fs.String("proxyaddr", "", "")
	flagProxyUser := fs.String("proxyuser", "", "")
	flagProxyPass := fs.String("proxypass", "", "")
	flagTorIsolation := fs.Bool("torisolation", false, "")
	flagCircuitLimit := fs.Uint("circuitlimit", 32, "max number of open connections per proxy connection")

	// log
	flagLogFile := fs.String("log.logfile", "", "Log file location (defaults to <root>/logs)")
	flagMaxLogFiles := fs.Int("log.maxlogfiles", 10, "Max log files")
	flagDebugLevel := fs.String("log.debuglevel", "info", "Debug Level")

	// listen
	flagPushListen := fs.String("listen.push", "127.0.0.1:7745", "Address of the wake-up endpoint")
	flagMetricsListen := fs.String("listen.metrics", "", "Address of the prometheus endpoint")

	// fetch
	flagForegroundVehicle := fs.Bool("fetch.foregroundvehicle", true, "Allow the foreground vehicle for high priority wake-ups")
	flagForegroundHigh := fs.Bool("fetch.foregroundforhighpriority", false, "Always use the foreground vehicle for high priority wake-ups")
	flagJobScheduler := fs.Bool("fetch.jobscheduler", true, "Use the job scheduler for deferred fetches")
	flagMinForeground := fs.String("fetch.minforegroundinterval", "3m", "")
	flagSocketTimeout := fs.String("fetch.sockettimeout", "10s", "")
	flagDrainTimeout := fs.String("fetch.draintimeout", "10s", "")
	flagWakeLockTimeout := fs.String("fetch.wakelocktimeout", "1m", "")
	flagRetryDelay := fs.String("fetch.retrydelay", "30s", "")

	// Load config from file.
	parser := flagfile.Parser{
		ParseSections: true,
	}
	if err := parser.Parse(cfgReader, fs); err != nil {
		return nil, err
	}

	// Sanity check loaded flags.
	if !strings.HasPrefix(*flagServerURL, "http://") && !strings.HasPrefix(*flagServerURL, "https://") {
		return nil, fmt.Errorf("flag 'server' must be an http(s) URL")
	}
	if *flagUsername == "" {
		return nil, fmt.Errorf("flag 'username' cannot be empty")
	}
	if *flagRootDir == "" {
		return nil, fmt.Errorf("flag 'root' cannot be empty")
	}
	switch *flagDBBackend {
	case "mem", "leveldb":
	default:
		return nil, fmt.Errorf("unknown db backend %q", *flagDBBackend)
	}
	var trustRoot ed25519.PublicKey
	if *flagTrustRoot != "" {
		b, err := hex.DecodeString(*flagTrustRoot)
		if err != nil || len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid value for flag 'trustroot'")
		}
		trustRoot = b
	}

	durations := []struct {
		name string
		v    string
		dst  *time.Duration
	}{
		{"fetch.minforegroundinterval", *flagMinForeground, new(time.Duration)},
		{"fetch.sockettimeout", *flagSocketTimeout, new(time.Duration)},
		{"fetch.draintimeout", *flagDrainTimeout, new(time.Duration)},
		{"fetch.wakelocktimeout", *flagWakeLockTimeout, new(time.Duration)},
		{"fetch.retrydelay", *flagRetryDelay, new(time.Duration)},
	}
	for _, d := range durations {
		if *d.dst, err = parseDurationFlag(d.name, d.v); err != nil {
			return nil, err
		}
	}

	// Clean paths.
	rootDir, err := expandPath(*flagRootDir)
	if err != nil {
		return nil, err
	}
	logFile := *flagLogFile
	if logFile == "" {
		logFile = filepath.Join(rootDir, "logs", appName+".log")
	}
	if logFile, err = expandPath(logFile); err != nil {
		return nil, err
	}

	wsURL := *flagWSURL
	if wsURL == "" {
		wsURL = "ws" + strings.TrimPrefix(*flagServerURL, "http") + rpc.WebsocketEndpoint
	}

	return &config{
		ServerURL: *flagServerURL,
		WSURL:     wsURL,
		Username:  *flagUsername,
		Password:  *flagPassword,
		DeviceID:  uint32(*flagDeviceID),
		TrustRoot: trustRoot,

		Root:      rootDir,
		DBBackend: *flagDBBackend,

		LogFile:     logFile,
		MaxLogFiles: *flagMaxLogFiles,
		DebugLevel:  *flagDebugLevel,

		ProxyAddr:    *flagProxyAddr,
		ProxyUser:    *flagProxyUser,
		ProxyPass:    *flagProxyPass,
		TorIsolation: *flagTorIsolation,
		CircuitLimit: uint32(*flagCircuitLimit),

		PushListen:    *flagPushListen,
		MetricsListen: *flagMetricsListen,

		ForegroundVehicle:         *flagForegroundVehicle,
		ForegroundForHighPriority: *flagForegroundHigh,
		JobScheduler:              *flagJobScheduler,
		MinForegroundInterval:     *durations[0].dst,
		SocketTimeout:             *durations[1].dst,
		DrainTimeout:              *durations[2].dst,
		WakeLockTimeout:           *durations[3].dst,
		RetryDelay:                *durations[4].dst,
	}, nil
}
