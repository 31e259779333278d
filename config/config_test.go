package config

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	assert.Equal(t, "bbolt", cfg.Store.Backend)
	assert.NotEmpty(t, cfg.Store.BboltDir)
}

func TestValidateRejectsZeroTimelocks(t *testing.T) {
	cfg := Default()
	cfg.CancelTimelock = 0
	require.Error(t, cfg.validate())

	cfg = Default()
	cfg.PunishTimelock = 0
	require.Error(t, cfg.validate())
}

func TestValidateRequiresPostgresDSN(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "postgres"
	require.Error(t, cfg.validate())

	cfg.Store.PostgresDSN = "postgres://localhost/swapd"
	require.NoError(t, cfg.validate())
}

func TestChainParams(t *testing.T) {
	cases := map[string]*chaincfg.Params{
		"mainnet":  &chaincfg.MainNetParams,
		"testnet3": &chaincfg.TestNet3Params,
		"regtest":  &chaincfg.RegressionNetParams,
		"simnet":   &chaincfg.SimNetParams,
	}
	for network, want := range cases {
		cfg := Default()
		cfg.Network = network
		got, err := cfg.ChainParams()
		require.NoError(t, err)
		assert.Equal(t, want.Name, got.Name)
	}

	cfg := Default()
	cfg.Network = "not-a-network"
	_, err := cfg.ChainParams()
	require.Error(t, err)
}
