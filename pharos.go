// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/pharosfund/pharos/backend"
	"github.com/pharosfund/pharos/chain"
	"github.com/pharosfund/pharos/status"
	"github.com/pharosfund/pharos/store"
)

var cfg *config

func main() {
	// Work around defer not working after os.Exit.
	if err := pharosMain(); err != nil {
		os.Exit(1)
	}
}

// pharosMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the
// program can be exited with an error exit status.
func pharosMain() error {
	// Load configuration and parse command line. This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", version())
	log.Infof("Active network: %s", activeNet.Params.Name)

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	// Project lifecycle state survives restarts in a small bolt database.
	stateDB, err := store.OpenStateDB(stateDBPath(cfg))
	if err != nil {
		log.Errorf("Unable to open state database: %v", err)
		return err
	}
	defer stateDB.Close()

	// Projects and pledges live as files in the project directory.
	projectStore, err := store.NewDirStore(cfg.ProjectDir)
	if err != nil {
		log.Errorf("Unable to open project directory: %v", err)
		return err
	}

	nodes, err := setupNodeGroup()
	if err != nil {
		log.Errorf("Unable to create node connections: %v", err)
		return err
	}

	engine, err := backend.New(&backend.Config{
		Params:       activeNet.Params,
		Peers:        nodes,
		Broadcaster:  nodes,
		Filter:       nodes,
		Store:        projectStore,
		StateDB:      stateDB,
		StatusSource: status.NewClient(nil),
		ServerMode:   cfg.ServerMode,
		MinPeers:     cfg.MinPeers,
	})
	if err != nil {
		log.Errorf("Unable to create pledge engine: %v", err)
		return err
	}
	nodes.SetFilterProvider(engine)

	if err := engine.Start(); err != nil {
		return err
	}
	addInterruptHandler(func() {
		engine.Stop()
		engine.WaitForShutdown()
	})

	if err := nodes.Start(); err != nil {
		log.Errorf("Unable to connect to btcd node(s): %v", err)
		simulateInterrupt()
		<-interruptHandlersDone
		return err
	}
	addInterruptHandler(func() {
		nodes.Stop()
		nodes.WaitForShutdown()
	})
	engine.ConsumeNotifications(nodes.Notifications())

	log.Infof("Connected to %d btcd node(s)", len(cfg.RPCConnect))

	// Feed everything already on disk into the engine. Verification
	// starts immediately for each project.
	for _, proj := range projectStore.Projects() {
		engine.ProjectDiscovered(proj)
		for _, p := range projectStore.PledgesFor(proj.ID()) {
			engine.PledgeDiscovered(proj.ID(), p)
		}
	}

	if cfg.ServerMode {
		if err := startStatusServer(engine); err != nil {
			log.Errorf("Unable to start status server: %v", err)
			simulateInterrupt()
			<-interruptHandlersDone
			return err
		}
	} else {
		if err := startStatusPoller(engine); err != nil {
			log.Errorf("Unable to start status poller: %v", err)
			simulateInterrupt()
			<-interruptHandlersDone
			return err
		}
	}

	// Add a dummy handler so the interrupt machinery starts even when
	// nothing above registered one first, then block until shutdown.
	addInterruptHandler(func() {})
	<-interruptHandlersDone
	log.Info("Shutdown complete")

	return nil
}

// setupNodeGroup builds the trusted node connections from the configured
// RPC endpoints.
func setupNodeGroup() (*chain.NodeGroup, error) {
	var certs []byte
	if !cfg.DisableClientTLS {
		var err error
		certs, err = os.ReadFile(cfg.CAFile)
		if err != nil {
			log.Warnf("Cannot open CA file: %v", err)
			// Continue with nil certs; connecting will fail
			// loudly if the node requires TLS.
			certs = nil
		}
	} else {
		log.Info("Client TLS is disabled")
	}

	conns := make([]*rpcclient.ConnConfig, 0, len(cfg.RPCConnect))
	for _, addr := range cfg.RPCConnect {
		conns = append(conns, &rpcclient.ConnConfig{
			Host:         addr,
			Endpoint:     "ws",
			User:         cfg.RPCUsername,
			Pass:         cfg.RPCPassword,
			Certificates: certs,
			DisableTLS:   cfg.DisableClientTLS,
		})
	}

	return chain.NewNodeGroup(&chain.NodeGroupConfig{
		Conns:             conns,
		Params:            activeNet.Params,
		ReconnectAttempts: 3,
	})
}

// startStatusServer exposes the engine over HTTP for pledge submission and
// status polling.
func startStatusServer(engine *backend.Backend) error {
	srv, err := status.NewServer(&status.ServerConfig{
		Engine:     engine,
		OwnerToken: cfg.OwnerToken,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}

	log.Infof("Status server listening on %s", cfg.Listen)
	go func() {
		err := httpServer.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("Status server error: %v", err)
			simulateInterrupt()
		}
	}()

	addInterruptHandler(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warnf("Status server shutdown: %v", err)
		}
	})

	return nil
}

// startStatusPoller keeps server-assisted projects fresh in client mode.
func startStatusPoller(engine *backend.Backend) error {
	poller, err := status.NewPoller(&status.PollerConfig{
		Ticker:   ticker.New(cfg.PollInterval),
		Projects: engine.Projects,
		Refresh:  engine.RefreshFromServer,
	})
	if err != nil {
		return err
	}
	if err := poller.Start(); err != nil {
		return err
	}
	addInterruptHandler(poller.Stop)

	return nil
}
