// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/custody"
	"github.com/btcsuite/btccustody/internal/cfgutil"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const prometheusEndpoint = "/metrics"

func main() {
	if err := custodydMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// custodydMain is the work horse of the daemon. It is separate from main so
// that deferred calls run before the process exits.
func custodydMain() error {
	cfg, ids, params, err := loadConfig()
	if err != nil {
		if errors.Is(err, errConfigExitEarly) {
			return nil
		}
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	interrupt := interruptListener()

	db, err := openDatabase(cfg)
	if err != nil {
		log.Errorf("Unable to open database: %v", err)
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close database: %v", err)
		}
	}()

	set := authority.NewStaticSet(authority.Round(cfg.Round), ids...)
	c, err := custody.New(db, set, set, params, cfg.custodyConfig(params))
	if err != nil {
		log.Errorf("Unable to open custody: %v", err)
		return err
	}
	log.Infof("Authority set of %d members, majority %d",
		len(set.Members()), set.Majority())

	// The checkpoint loop and the metrics server stop together once an
	// interrupt arrives.
	quit := make(chan struct{})
	var g errgroup.Group
	if cfg.MetricsListen != "" {
		server := newMetricsServer(cfg.MetricsListen)
		g.Go(func() error {
			log.Infof("Metrics server listening on %s%s",
				cfg.MetricsListen, prometheusEndpoint)
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			log.Errorf("Metrics server failed: %v", err)
			requestShutdown()
			return err
		})
		g.Go(func() error {
			<-quit
			ctx, cancel := context.WithTimeout(
				context.Background(), 5*time.Second,
			)
			defer cancel()
			return server.Shutdown(ctx)
		})
	}
	g.Go(func() error {
		runCheckpoints(c, ticker.New(cfg.CheckpointInterval), quit)
		return nil
	})

	<-interrupt
	close(quit)
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

// openDatabase opens the custody database of the configured network,
// creating it on first start.
func openDatabase(cfg *config) (walletdb.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(cfg.DataDir, custodyDBName)
	exists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return nil, err
	}
	if exists {
		return walletdb.Open("bdb", dbPath, true, cfg.DBTimeout, false)
	}
	log.Infof("Creating custody database %v", dbPath)
	return walletdb.Create("bdb", dbPath, true, cfg.DBTimeout, false)
}

// newMetricsServer returns a server exposing the prometheus registry on
// addr.
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(prometheusEndpoint, promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// runCheckpoints runs a checkpoint on every tick until quit is closed. A
// failed checkpoint is logged and retried on the next tick.
func runCheckpoints(c *custody.Custody, t ticker.Ticker,
	quit <-chan struct{}) {

	t.Resume()
	defer t.Stop()

	for {
		select {
		case now := <-t.Ticks():
			res, err := c.Checkpoint(now)
			if err != nil {
				log.Errorf("Checkpoint failed: %v", err)
				continue
			}
			if len(res.Stale) > 0 {
				log.Warnf("%d pending %s exceeded the pending "+
					"request TTL", len(res.Stale),
					pickNoun(len(res.Stale), "request",
						"requests"))
			}

		case <-quit:
			return
		}
	}
}

// pickNoun returns the singular or plural form of a noun depending on the
// count n.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
