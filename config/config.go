// Package config loads the daemon's configuration from command-line
// flags and an ini file, in that order of precedence, over built-in
// defaults (environment variables are not read), mirroring the teacher's config.go/loadConfig convention
// (lnd.go's DefaultConfigFile + flags.IniParse + flags.Parse layering).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-errors/errors"
	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "swapd.conf"
	defaultLogFilename    = "swapd.log"
	defaultLogLevel       = "info"

	defaultCancelTimelock       = 144  // ~1 day of blocks
	defaultPunishTimelock       = 288  // ~2 days of blocks
	defaultMinShldConfirmations = 10
	defaultStoreBackend         = "bbolt"

	defaultP2PListenAddr = "/ip4/0.0.0.0/tcp/9735"
)

// StoreConfig selects and configures a swapdb.Store backend. Exactly one
// of Bbolt's or Postgres's fields is used, chosen by Backend.
type StoreConfig struct {
	Backend string `long:"backend" description:"swap state store backend" choice:"bbolt" choice:"postgres"`

	BboltDir string `long:"bbolt.dir" description:"directory holding the bbolt swap-state files"`

	PostgresDSN        string `long:"postgres.dsn" description:"Postgres connection string"`
	PostgresMigrations string `long:"postgres.migrations" description:"file:// URL to the Postgres migrations directory"`
}

// Config is the daemon's full configuration surface (spec.md §3, §4.3,
// §6): network selection, timelock/confirmation defaults, chain and
// shielded-wallet RPC endpoints, transport listen address, and store
// backend selection.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"display version and exit"`

	ConfigFile string `long:"configfile" description:"path to configuration file"`
	DataDir    string `long:"datadir" description:"directory to store swap state and identity key"`

	Network string `long:"network" description:"Bitcoin network to run on" choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"simnet"`

	LogDir   string `long:"logdir" description:"directory to log output to"`
	LogLevel string `long:"loglevel" description:"logging level for all subsystems"`

	ElectrumAddr  string `long:"bitcoin.electrum" description:"host:port of the Electrum server this daemon queries"`
	BlockstreamURL string `long:"bitcoin.blockstream" description:"base URL of a blockstream-esque REST chain source"`
	FeeSatPerVByte int64  `long:"bitcoin.feeratesatpervbyte" description:"flat fee rate used when the chain source can't estimate one"`

	ConnectPeers []string `long:"bitcoin.connectpeer" description:"full nodes the neutrino chain service dials directly, in addition to DNS seed discovery"`

	MetricsListenAddr string `long:"metrics.listenaddr" description:"address the Prometheus /metrics endpoint listens on, empty to disable"`

	ShieldedRPCAddr string `long:"shielded.rpcaddr" description:"host:port of the shielded-chain wallet RPC daemon"`

	CancelTimelock       uint32 `long:"swap.canceltimelock" description:"blocks after TxLock confirms before TxCancel can be broadcast"`
	PunishTimelock       uint32 `long:"swap.punishtimelock" description:"blocks after TxCancel confirms before TxPunish can be broadcast"`
	MinShldConfirmations uint32 `long:"swap.minshldconfirmations" description:"confirmations required before a shielded transfer is treated as final"`

	AskPerCoin int64 `long:"quote.askpercoin" description:"BTC price, in satoshi, of one whole shielded coin, used when answering quote requests"`

	P2PListenAddr string `long:"p2p.listenaddr" description:"multiaddr this daemon's transport listens on"`

	Store StoreConfig `group:"store" namespace:"store"`
}

// Default returns a Config populated with the same defaults lnd's
// loadConfig seeds before flag/ini overrides are applied.
func Default() *Config {
	return &Config{
		Network:  "mainnet",
		LogLevel: defaultLogLevel,

		CancelTimelock:       defaultCancelTimelock,
		PunishTimelock:       defaultPunishTimelock,
		MinShldConfirmations: defaultMinShldConfirmations,

		P2PListenAddr: defaultP2PListenAddr,

		Store: StoreConfig{
			Backend: defaultStoreBackend,
		},
	}
}

// Load parses args (typically os.Args[1:]) and, if present, the ini file
// they or the default location name, into a Config seeded with defaults,
// exactly as lnd's loadConfig layers flags.IniParse under flags.Parse so
// command-line flags always win.
func Load(args []string) (*Config, error) {
	preCfg := Default()
	parser := flags.NewParser(preCfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	cfgFile := preCfg.ConfigFile
	if cfgFile == "" {
		cfgFile = filepath.Join(defaultDataDir(), defaultConfigFilename)
	}
	if _, err := os.Stat(cfgFile); err == nil {
		fileParser := flags.NewParser(preCfg, flags.Default)
		if err := flags.NewIniParser(fileParser).ParseFile(cfgFile); err != nil {
			return nil, errors.Wrap(err, 1)
		}
	}

	// Re-parse the command line last so flags always override the ini
	// file, matching lnd's layering.
	parser = flags.NewParser(preCfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := preCfg.validate(); err != nil {
		return nil, errors.Wrap(err, 1)
	}
	return preCfg, nil
}

func (c *Config) validate() error {
	if c.CancelTimelock == 0 {
		return fmt.Errorf("config: swap.canceltimelock must be nonzero")
	}
	if c.PunishTimelock == 0 {
		return fmt.Errorf("config: swap.punishtimelock must be nonzero")
	}
	switch c.Store.Backend {
	case "bbolt":
		if c.Store.BboltDir == "" {
			c.Store.BboltDir = filepath.Join(defaultDataDir(), "swaps")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("config: store.postgres.dsn required when store.backend=postgres")
		}
	}
	return nil
}

// ChainParams maps Network to the matching chaincfg.Params, the same
// lookup lnd.go's normalizeNetwork performs.
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("config: unknown network %q", c.Network)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".swapd")
}

// LogFilePath returns the rotated log file Load's Config should be
// written to, honoring LogDir if set.
func (c *Config) LogFilePath() string {
	dir := c.LogDir
	if dir == "" {
		dir = filepath.Join(defaultDataDir(), "logs")
	}
	return filepath.Join(dir, defaultLogFilename)
}
