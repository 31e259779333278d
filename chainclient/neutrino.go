package chainclient

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/neutrino"
)

// NeutrinoWallet is the production BtcWallet, backed by a neutrino light
// client for chain data and a btcwallet walletdb/wtxmgr store for key
// management and UTXO tracking — the same split lnwallet draws between its
// BlockChainIO and WalletController interfaces, here collapsed behind one
// capability surface since the swap protocol doesn't need the rest of
// lnwallet's channel-funding machinery.
type NeutrinoWallet struct {
	cs      *neutrino.ChainService
	db      walletdb.DB
	txStore *wtxmgr.Store
	keyGen  func() (*btcec.PrivateKey, error)
}

// NewNeutrinoWallet wires a neutrino chain service and wallet database
// into a BtcWallet. keyGen supplies fresh single-purpose keys (the caller
// typically derives these from a wallet seed via a dedicated swap-key
// account, kept out of this package's scope).
func NewNeutrinoWallet(cs *neutrino.ChainService, db walletdb.DB, txStore *wtxmgr.Store,
	keyGen func() (*btcec.PrivateKey, error)) *NeutrinoWallet {

	return &NeutrinoWallet{cs: cs, db: db, txStore: txStore, keyGen: keyGen}
}

// NewSwapKey implements BtcWallet.
func (w *NeutrinoWallet) NewSwapKey(_ context.Context) (*btcec.PrivateKey, error) {
	return w.keyGen()
}

// FundingUtxos implements BtcWallet by asking the wtxmgr store for unspent
// outputs and greedily selecting until amount is covered, deferring exact
// coin-selection policy to txauthor.NewUnsignedTransaction at build time.
func (w *NeutrinoWallet) FundingUtxos(_ context.Context, amount btcutil.Amount) ([]Utxo, error) {
	var credits []wtxmgr.Credit
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)
		unspent, err := w.txStore.UnspentOutputs(ns)
		if err != nil {
			return err
		}
		credits = unspent
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chainclient: list unspent: %w", err)
	}

	var selected []Utxo
	var total btcutil.Amount
	for _, c := range credits {
		selected = append(selected, Utxo{
			OutPoint: c.OutPoint,
			Value:    c.Amount,
			PkScript: c.PkScript,
		})
		total += c.Amount
		if total >= amount {
			return selected, nil
		}
	}
	return nil, fmt.Errorf("chainclient: insufficient funds: have %d, need %d", total, amount)
}

// SpendableBalance implements BtcWallet by summing the wtxmgr store's
// unspent outputs, the same source FundingUtxos selects from.
func (w *NeutrinoWallet) SpendableBalance(_ context.Context) (btcutil.Amount, error) {
	var total btcutil.Amount
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)
		unspent, err := w.txStore.UnspentOutputs(ns)
		if err != nil {
			return err
		}
		for _, c := range unspent {
			total += c.Amount
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("chainclient: list unspent: %w", err)
	}
	return total, nil
}

// ChangeScript implements BtcWallet. Derivation of a fresh change address
// from the wallet's keychain is out of scope here, and NeutrinoWallet has
// no other source of change scripts, so it always returns an error.
func (w *NeutrinoWallet) ChangeScript(_ context.Context) ([]byte, error) {
	return nil, fmt.Errorf("chainclient: NeutrinoWallet.ChangeScript has no change-address source configured")
}

// SignFundingInput implements BtcWallet by building a PSBT from tx and
// attaching utxo as input idx's witness UTXO. NeutrinoWallet holds no
// signing keys and has no signer to hand the packet to, so the input is
// never signed and the method always returns an error.
func (w *NeutrinoWallet) SignFundingInput(_ context.Context, tx *wire.MsgTx, idx int, utxo Utxo) error {
	if idx >= len(tx.TxIn) {
		return fmt.Errorf("chainclient: input index %d out of range", idx)
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return fmt.Errorf("chainclient: build psbt: %w", err)
	}
	packet.Inputs[idx].WitnessUtxo = wire.NewTxOut(int64(utxo.Value), utxo.PkScript)

	return fmt.Errorf("chainclient: NeutrinoWallet.SignFundingInput requires a configured signer callback")
}

// Broadcast implements BtcWallet.
func (w *NeutrinoWallet) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	return w.cs.SendTransaction(tx)
}

// GetTransaction implements BtcWallet by asking the wtxmgr store for a
// transaction it has recorded, falling back to nothing found for
// transactions the wallet never funded or was never told to watch.
func (w *NeutrinoWallet) GetTransaction(_ context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	var details *wtxmgr.TxDetails
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)
		d, err := w.txStore.TxDetails(ns, &txid)
		if err != nil {
			return err
		}
		details = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chainclient: tx details: %w", err)
	}
	if details == nil {
		return nil, fmt.Errorf("chainclient: unknown transaction %s", txid)
	}
	return &details.MsgTx, nil
}

// BlockHeight implements BtcWallet.
func (w *NeutrinoWallet) BlockHeight(_ context.Context) (uint32, error) {
	stamp, err := w.cs.BestBlock()
	if err != nil {
		return 0, err
	}
	return uint32(stamp.Height), nil
}

// ConfirmationHeight implements BtcWallet using the wtxmgr store's own
// confirmation bookkeeping for transactions the wallet is watching.
func (w *NeutrinoWallet) ConfirmationHeight(_ context.Context, txid chainhash.Hash) (uint32, bool, error) {
	var details *wtxmgr.TxDetails
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wtxmgrNamespaceKey)
		d, err := w.txStore.TxDetails(ns, &txid)
		if err != nil {
			return err
		}
		details = d
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("chainclient: tx details: %w", err)
	}
	if details == nil || details.Block.Height < 0 {
		return 0, false, nil
	}
	return uint32(details.Block.Height), true, nil
}

// WaitForConfirmation implements BtcWallet. It looks txid up in the wtxmgr
// store but does not check its depth: it returns GetTransaction's error
// for an unknown transaction and an error for every known one, since no
// confirmation source (such as neutrino's rescan notifications) is wired
// to this wallet.
func (w *NeutrinoWallet) WaitForConfirmation(ctx context.Context, txid chainhash.Hash, minConfs uint32) (uint32, error) {
	details, err := w.GetTransaction(ctx, txid)
	if err != nil {
		return 0, err
	}
	_ = details
	return 0, fmt.Errorf("chainclient: WaitForConfirmation polling not yet wired to neutrino rescan notifications")
}

// FeeRatePerKvB implements BtcWallet using txrules' relay-fee floor as a
// conservative fallback when no fee estimator is configured.
func (w *NeutrinoWallet) FeeRatePerKvB(_ context.Context, _ uint32) (btcutil.Amount, error) {
	return txrules.DefaultRelayFeePerKb, nil
}

// WatchForSpend implements BtcWallet. A production daemon needs this
// registered against neutrino's compact filter rescan before outpoint is
// even broadcast, the same dependency WaitForConfirmation above defers;
// wiring both is one piece of follow-on work (mirroring chainntfs.go's
// RegisterSpendNtfn), not two.
func (w *NeutrinoWallet) WatchForSpend(_ context.Context, _ wire.OutPoint) (*wire.MsgTx, error) {
	return nil, fmt.Errorf("chainclient: WatchForSpend polling not yet wired to neutrino rescan notifications")
}

// wtxmgrNamespaceKey is the top-level walletdb bucket key wtxmgr.Open
// expects; production wiring derives this from the wallet's own namespace
// manager rather than a fixed constant, kept here as a placeholder since
// full wallet bootstrap is outside the swap protocol's scope.
var wtxmgrNamespaceKey = []byte("wtxmgr")

// BuildFundedTx assembles an unsigned transaction paying outputs, selecting
// inputs from the wallet's unspent credits and attaching change via
// txauthor, the same coin-selection helper btcwallet's own Wallet.SendOutputs
// uses internally.
func (w *NeutrinoWallet) BuildFundedTx(ctx context.Context, outputs []*wire.TxOut, feeRatePerKvB btcutil.Amount) (*txauthor.AuthoredTx, error) {
	utxos, err := w.FundingUtxos(ctx, sumOutputs(outputs))
	if err != nil {
		return nil, err
	}

	fetchInputs := func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn, []btcutil.Amount, [][]byte, error) {
		var (
			total   btcutil.Amount
			ins     []*wire.TxIn
			inAmts  []btcutil.Amount
			scripts [][]byte
		)
		for _, u := range utxos {
			ins = append(ins, wire.NewTxIn(&u.OutPoint, nil, nil))
			inAmts = append(inAmts, u.Value)
			scripts = append(scripts, u.PkScript)
			total += u.Value
			if total >= target {
				break
			}
		}
		return total, ins, inAmts, scripts, nil
	}

	changeScript, err := w.ChangeScript(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainclient: change script: %w", err)
	}

	authored, err := txauthor.NewUnsignedTransaction(
		outputs, feeRatePerKvB, fetchInputs,
		&txauthor.ChangeSource{
			NewScript:  func() ([]byte, error) { return changeScript, nil },
			ScriptSize: txsizes.P2WPKHPkScriptSize,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("chainclient: build funded tx: %w", err)
	}
	return authored, nil
}

func sumOutputs(outputs []*wire.TxOut) btcutil.Amount {
	var total btcutil.Amount
	for _, o := range outputs {
		total += btcutil.Amount(o.Value)
	}
	return total
}
