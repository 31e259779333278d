package onchain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// ParamsByName resolves one of btcd's four standard network parameter sets
// by its Params.Name, the inverse of reading chaincfg.Params.Name off an
// already-resolved *chaincfg.Params. Swap state persists the name rather
// than the struct itself, since chaincfg.Params isn't a stable CBOR shape
// (it carries function-valued and deeply nested fields swapdb has no
// business serializing).
func ParamsByName(name string) (*chaincfg.Params, error) {
	switch name {
	case chaincfg.MainNetParams.Name:
		return &chaincfg.MainNetParams, nil
	case chaincfg.TestNet3Params.Name:
		return &chaincfg.TestNet3Params, nil
	case chaincfg.RegressionNetParams.Name:
		return &chaincfg.RegressionNetParams, nil
	case chaincfg.SimNetParams.Name:
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("onchain: unknown network %q", name)
	}
}
