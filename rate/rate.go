// Package rate converts between Bitcoin amounts and shielded-chain amounts
// at a single fixed quote, and clamps quotes to what a wallet can actually
// give away.
package rate

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// ShldFee is the fixed per-transfer shielded-chain network fee, in atomic
// units. AmountAfterShldFee subtracts it from a quoted amount; MaxBuyable
// does not use it. See spec.md §3.
const ShldFee = 16_000_000 // 1.6e7 atomic units

// OneShld is the number of atomic units in one shielded-chain coin.
const OneShld = 1_000_000_000_000 // 1e12

// Rate is the price at which one shielded-chain coin is sold, denoted in
// BTC. It mirrors original_source/swap/src/asb/amounts.rs's Rate, which
// quotes the ask price per whole coin; Ask here is scaled to one coin
// (OneShld atomic units) worth of BTC, so Quote can do pure integer-free
// decimal division exactly as the original does.
type Rate struct {
	// AskPerCoin is the BTC price, in satoshi, of one whole shielded coin
	// (OneShld atomic units).
	AskPerCoin btcutil.Amount
}

// Quote converts a BTC amount into the shielded-chain amount it buys at this
// rate. It mirrors the original's decimal-division algorithm exactly,
// including its overflow behavior: if the result can't be represented as a
// uint64 (e.g. operands near u64::MAX), Quote returns ok=false rather than
// panicking. See spec.md §9 note 3.
func (r Rate) Quote(btc btcutil.Amount) (shldAtomic uint64, ok bool) {
	if r.AskPerCoin <= 0 {
		return 0, false
	}

	quoteInBTC := decimal.New(int64(btc), 0).
		Div(decimal.New(int64(btcutil.SatoshiPerBitcoin), 0))
	rateInBTC := decimal.New(int64(r.AskPerCoin), 0).
		Div(decimal.New(int64(btcutil.SatoshiPerBitcoin), 0))

	if rateInBTC.IsZero() {
		return 0, false
	}

	coins := quoteInBTC.Div(rateInBTC)
	atomic := coins.Mul(decimal.New(OneShld, 0))

	if !atomic.IsInteger() {
		atomic = atomic.Truncate(0)
	}

	bi := atomic.BigInt()
	if !bi.IsUint64() {
		return 0, false
	}

	return bi.Uint64(), true
}

// MaxBuyable returns the largest BTC amount a quote offers, given
// maxGiveable, the seller wallet's spendable balance: maxGiveable itself,
// or zero if it is negative. It subtracts no lock-transaction fee and no
// shielded-chain fee (ShldFee).
func MaxBuyable(maxGiveable btcutil.Amount) btcutil.Amount {
	if maxGiveable < 0 {
		return 0
	}
	return maxGiveable
}

// AmountAfterShldFee subtracts the fixed shielded-chain network fee from a
// quoted shielded amount, returning the amount actually receivable by the
// counterparty after the transfer. It saturates at zero rather than
// underflowing.
func AmountAfterShldFee(atomic uint64) uint64 {
	if atomic <= ShldFee {
		return 0
	}
	return atomic - ShldFee
}
