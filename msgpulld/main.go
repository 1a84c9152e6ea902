package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/companyzero/msgpull/lockfile"
	"github.com/companyzero/msgpull/ratchet"
	"github.com/companyzero/msgpull/rpc"
)

func realMain() error {
	ctx, cancel := shutdownListener()
	defer cancel()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return err
	}
	lf, err := lockfile.Create(ctx, filepath.Join(cfg.Root, appName+".lock"))
	if err != nil {
		return fmt.Errorf("unable to lock data dir %s: %w", cfg.Root, err)
	}
	defer lf.Close()

	logBknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, cfg.MaxLogFiles, os.Stdout)
	if err != nil {
		return err
	}
	defer logBknd.close()
	rpc.SetLog(logBknd.logger("RPC"))
	ratchet.SetLog(logBknd.logger("RTCH"))

	log := logBknd.logger("MPLD")
	log.Infof("Starting %s version %s", appName, version)
	log.Infof("Data dir: %s", cfg.Root)

	d, err := newDaemon(ctx, cfg, logBknd)
	if err != nil {
		return err
	}
	err = d.run(ctx)
	log.Infof("Shut down")
	return err
}

func main() {
	err := realMain()
	if err != nil && !errors.Is(err, errCmdDone) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
