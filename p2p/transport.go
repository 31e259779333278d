package p2p

import (
	"github.com/shieldswap/swapd/protocol/alice"
	"github.com/shieldswap/swapd/protocol/bob"
)

var (
	_ alice.Transport = (*Handle)(nil)
	_ bob.Transport   = (*Handle)(nil)
)
