// Command swapd is the daemon that runs a shielded-chain/Bitcoin atomic
// swap counterparty: it answers quotes, drives both roles of the swap
// protocol, and resumes every in-flight swap after a restart. Its
// structure mirrors the teacher's lnd.go: a lndMain-style function that
// does all the real work and returns an error, and a thin main that turns
// that error into an exit code, so every deferred cleanup still runs on a
// failed startup.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	flags "github.com/jessevdk/go-flags"
	"github.com/libp2p/go-libp2p"
	"github.com/lightninglabs/neutrino"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shieldswap/swapd/chainclient"
	"github.com/shieldswap/swapd/config"
	"github.com/shieldswap/swapd/metrics"
	"github.com/shieldswap/swapd/p2p"
	"github.com/shieldswap/swapd/rate"
	"github.com/shieldswap/swapd/shld"
	"github.com/shieldswap/swapd/swap"
	"github.com/shieldswap/swapd/swapdb"
	"github.com/shieldswap/swapd/swapdb/postgres"
)

// wtxmgrNamespaceKey matches the placeholder chainclient.NewNeutrinoWallet
// expects its walletdb argument to already have bootstrapped.
var wtxmgrNamespaceKey = []byte("wtxmgr")

func swapdMain() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Println("swapd")
		return nil
	}

	if err := initLogRotator(cfg.LogFilePath()); err != nil {
		return err
	}
	useLoggers()
	setLogLevels(cfg.LogLevel)
	defer logRotator.Close()

	swpdLog.Info("starting swapd")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	chainParams, err := cfg.ChainParams()
	if err != nil {
		return err
	}

	identity, err := p2p.LoadOrCreateIdentity(filepath.Join(cfg.DataDir, "identity.key"))
	if err != nil {
		return fmt.Errorf("load p2p identity: %w", err)
	}

	host, err := libp2p.New(
		libp2p.Identity(identity),
		libp2p.ListenAddrStrings(cfg.P2PListenAddr),
	)
	if err != nil {
		return fmt.Errorf("start libp2p host: %w", err)
	}
	defer host.Close()
	swpdLog.Infof("p2p identity %s listening on %v", host.ID(), host.Addrs())

	wallet, walletCleanup, err := buildBtcWallet(cfg, chainParams)
	if err != nil {
		return fmt.Errorf("build bitcoin wallet: %w", err)
	}
	defer walletCleanup()

	shldWallet := shld.NewRPCWallet(cfg.ShieldedRPCAddr)

	aliceStore, bobStore, meta, storeCleanup, err := buildStores(cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer storeCleanup()

	registry := prometheus.NewRegistry()
	mx := metrics.New(registry)
	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			swpdLog.Infof("metrics listening on %s", cfg.MetricsListenAddr)
			if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
				swpdLog.Errorf("metrics server: %v", err)
			}
		}()
	}

	node := p2p.New(host)
	defaults := swap.DefaultParams{
		CancelTimelock:       cfg.CancelTimelock,
		PunishTimelock:       cfg.PunishTimelock,
		MinShldConfirmations: cfg.MinShldConfirmations,
		Net:                  chainParams,
	}
	mgr := swap.New(node, wallet, shldWallet, aliceStore, bobStore, meta, defaults,
		rate.Rate{AskPerCoin: btcutil.Amount(cfg.AskPerCoin)})
	mgr.SetMetrics(mx)

	// Resume every swap left in flight by a previous process before this
	// node's transport has had any chance to see new activity for them.
	if err := mgr.ResumeAll(context.Background()); err != nil {
		return fmt.Errorf("resume in-flight swaps: %w", err)
	}
	swpdLog.Info("resumed in-flight swaps")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	// Every driver runs against context.Background() (swap.Manager's own
	// design: a restart, not a cancellation, is what stops a swap
	// mid-flight), so shutdown drains rather than cancels — Wait returns
	// once every swap this process is driving reaches a final status.
	swpdLog.Info("shutdown signal received, draining in-flight swaps")
	mgr.Wait()
	swpdLog.Info("shutdown complete")
	return nil
}

// buildBtcWallet wires a chainclient.NeutrinoWallet against a fresh
// neutrino chain service and an on-disk walletdb, the same construction
// chainregistry.go's neutrino branch performs for lnd's own wallet.
// keyGen mints fresh, unpersisted keys: chainclient.NewNeutrinoWallet's own
// doc comment scopes real keychain-backed derivation out of this package,
// leaving it to whatever wraps the wallet in a full node build.
func buildBtcWallet(cfg *config.Config, chainParams *chaincfg.Params) (chainclient.BtcWallet, func(), error) {
	dbPath := filepath.Join(cfg.DataDir, "neutrino.db")
	db, err := walletdb.Create("bdb", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open neutrino db: %w", err)
	}

	if err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(wtxmgrNamespaceKey)
		if err != nil {
			return err
		}
		return wtxmgr.Create(ns)
	}); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("bootstrap wtxmgr namespace: %w", err)
	}

	var txStore *wtxmgr.Store
	err = walletdb.View(db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)
		txStore, err = wtxmgr.Open(ns, chainParams)
		return err
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open wtxmgr store: %w", err)
	}

	neutrinoCfg := neutrino.Config{
		DataDir:      cfg.DataDir,
		Database:     db,
		ChainParams:  *chainParams,
		ConnectPeers: cfg.ConnectPeers,
	}
	svc, err := neutrino.NewChainService(neutrinoCfg)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create neutrino chain service: %w", err)
	}
	if err := svc.Start(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("start neutrino chain service: %w", err)
	}

	keyGen := func() (*btcec.PrivateKey, error) {
		return btcec.NewPrivateKey()
	}
	wallet := chainclient.NewNeutrinoWallet(svc, db, txStore, keyGen)

	cleanup := func() {
		svc.Stop()
		db.Close()
	}
	return wallet, cleanup, nil
}

// buildStores opens the alice/bob/meta swapdb.Store trio per cfg.Store's
// backend selection. All three share one backend: mixing bbolt and
// Postgres within a single daemon has no operational upside and would
// double the shutdown/migration bookkeeping below for nothing.
func buildStores(cfg *config.Config) (aliceStore, bobStore, meta swapdb.Store, cleanup func(), err error) {
	switch cfg.Store.Backend {
	case "postgres":
		aliceDB, err := postgres.Open(context.Background(), cfg.Store.PostgresDSN, cfg.Store.PostgresMigrations)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open alice store: %w", err)
		}
		bobDB, err := postgres.Open(context.Background(), cfg.Store.PostgresDSN, cfg.Store.PostgresMigrations)
		if err != nil {
			aliceDB.Close()
			return nil, nil, nil, nil, fmt.Errorf("open bob store: %w", err)
		}
		metaDB, err := postgres.Open(context.Background(), cfg.Store.PostgresDSN, cfg.Store.PostgresMigrations)
		if err != nil {
			aliceDB.Close()
			bobDB.Close()
			return nil, nil, nil, nil, fmt.Errorf("open meta store: %w", err)
		}
		cleanup := func() {
			aliceDB.Close()
			bobDB.Close()
			metaDB.Close()
		}
		return aliceDB, bobDB, metaDB, cleanup, nil

	default:
		if err := os.MkdirAll(cfg.Store.BboltDir, 0700); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("create bbolt dir: %w", err)
		}
		aliceDB, err := swapdb.OpenBoltStore(filepath.Join(cfg.Store.BboltDir, "alice.db"))
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open alice store: %w", err)
		}
		bobDB, err := swapdb.OpenBoltStore(filepath.Join(cfg.Store.BboltDir, "bob.db"))
		if err != nil {
			aliceDB.Close()
			return nil, nil, nil, nil, fmt.Errorf("open bob store: %w", err)
		}
		metaDB, err := swapdb.OpenBoltStore(filepath.Join(cfg.Store.BboltDir, "meta.db"))
		if err != nil {
			aliceDB.Close()
			bobDB.Close()
			return nil, nil, nil, nil, fmt.Errorf("open meta store: %w", err)
		}
		cleanup := func() {
			aliceDB.Close()
			bobDB.Close()
			metaDB.Close()
		}
		return aliceDB, bobDB, metaDB, cleanup, nil
	}
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := swapdMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
