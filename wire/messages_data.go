package wire

// Point and scalar fields are fixed-size byte arrays encoded exactly as the
// cryptographic packages produce them: 33-byte SEC1-compressed secp256k1
// points, 32-byte little-endian ed25519 points/scalars (spec.md §6).

// DLEQProof carries a dleq.Proof in wire form.
type DLEQProof struct {
	RSecp [33]byte `cbor:"1,keyasint"`
	REd   [32]byte `cbor:"2,keyasint"`
	Z     []byte   `cbor:"3,keyasint"`
}

// EncryptedSignature carries an adaptor.Signature in wire form.
type EncryptedSignature struct {
	R []byte `cbor:"1,keyasint"`
	S []byte `cbor:"2,keyasint"`
}

// TransferProof is A's evidence that the shielded-chain transfer to B's
// one-time address has been broadcast, sent in M4 once A has observed her
// own transfer in the shielded-chain wallet. TxKey is the one-time
// transaction key B needs, together with his own view-key half, to find and
// verify the transfer without holding its spend key (spec.md §6).
type TransferProof struct {
	TxID               string   `cbor:"1,keyasint"`
	RestoreBlockHeight uint64   `cbor:"2,keyasint"`
	TxKey              [32]byte `cbor:"3,keyasint"`
}

// M0 is A's swap proposal: amounts, timelocks, and A's half of the shared
// shielded spend key together with its cross-curve DLEQ proof.
type M0 struct {
	SwapID               [16]byte  `cbor:"1,keyasint"`
	BtcAmount            uint64    `cbor:"2,keyasint"`
	ShldAmount           uint64    `cbor:"3,keyasint"`
	CancelTimelock       uint32    `cbor:"4,keyasint"`
	PunishTimelock       uint32    `cbor:"5,keyasint"`
	MinShldConfirmations uint32    `cbor:"6,keyasint"`
	SPubA                [33]byte  `cbor:"7,keyasint"`
	SPubAEd              [32]byte  `cbor:"8,keyasint"`
	DleqProofA           DLEQProof `cbor:"9,keyasint"`
	ViewKeyHalfA         [32]byte  `cbor:"10,keyasint"`
	PunishPubA           [33]byte  `cbor:"11,keyasint"`
	SwapPubA             [33]byte  `cbor:"12,keyasint"`
	RedeemPubA           [33]byte  `cbor:"13,keyasint"`
}

func (*M0) MsgType() MessageType { return MsgM0 }

// M1 is B's counter-proposal: B's half of the shared spend key, its DLEQ
// proof, B's own BTC keys, and the unsigned TxLock transaction so A can
// verify its amount and derive its deterministic outpoint before
// countersigning TxCancel.
type M1 struct {
	SwapID           [16]byte  `cbor:"0,keyasint"`
	SPubB            [33]byte  `cbor:"1,keyasint"`
	SPubBEd          [32]byte  `cbor:"2,keyasint"`
	DleqProofB       DLEQProof `cbor:"3,keyasint"`
	ViewKeyHalfB     [32]byte  `cbor:"4,keyasint"`
	RefundPubB       [33]byte  `cbor:"5,keyasint"`
	SwapPubB         [33]byte  `cbor:"6,keyasint"`
	UnsignedTxLock   []byte    `cbor:"7,keyasint"`
	LockRedeemScript []byte    `cbor:"8,keyasint"`
}

func (*M1) MsgType() MessageType { return MsgM1 }

// M2 carries A's signature for TxCancel and her encrypted TxRefund
// signature share. B must hold both before he broadcasts TxLock: without
// the encrypted refund share, B would have no way back if A disappears
// after he locks his BTC, and completing TxRefund with it is what later
// leaks s_b to A (spec.md §4.2, invariant I2).
type M2 struct {
	SwapID           [16]byte           `cbor:"0,keyasint"`
	CancelSigA       []byte             `cbor:"1,keyasint"`
	EncryptedRefundA EncryptedSignature `cbor:"2,keyasint"`
}

func (*M2) MsgType() MessageType { return MsgM2 }

// M3 carries B's signature for TxCancel and the TxLock outpoint. B sends it
// before TxLock is broadcast; bob's driver broadcasts TxLock after the
// handshake completes. B's encrypted TxRedeem signature share travels
// later, as a separate EncSig message, once he has verified A's shielded
// transfer.
type M3 struct {
	SwapID     [16]byte `cbor:"0,keyasint"`
	CancelSigB []byte   `cbor:"1,keyasint"`
	TxLockTxID [32]byte `cbor:"2,keyasint"`
	TxLockVout uint32   `cbor:"3,keyasint"`
}

func (*M3) MsgType() MessageType { return MsgM3 }

// M4 carries A's TransferProof once the shielded-chain transfer to B has
// been broadcast (spec.md §4.4 step 2).
type M4 struct {
	SwapID [16]byte      `cbor:"0,keyasint"`
	Proof  TransferProof `cbor:"1,keyasint"`
}

func (*M4) MsgType() MessageType { return MsgM4 }

// EncSig carries B's encrypted TxRedeem signature share
// (`encsig_B(Redeem, S_a)`), sent on `/encrypted-signature/1.0.0` once B
// has confirmed A's shielded transfer (spec.md §4.5 step 5). Decrypting it
// with s_a lets A redeem TxLock; broadcasting the result leaks s_a to B
// (spec.md §4.4 step 4).
type EncSig struct {
	SwapID           [16]byte           `cbor:"0,keyasint"`
	EncryptedRedeemB EncryptedSignature `cbor:"1,keyasint"`

	// RedeemFee is the exact fee, in satoshi, B used to build the TxRedeem
	// he signed over. A must rebuild TxRedeem with this same fee: any other
	// value changes the sighash and invalidates EncryptedRedeemB once
	// decrypted.
	RedeemFee int64 `cbor:"2,keyasint"`
}

func (*EncSig) MsgType() MessageType { return MsgEncSig }

// QuoteRequest is sent on `/quote/1.0.0` by the party wanting to buy
// shielded-chain coins, naming how much BTC they intend to lock.
type QuoteRequest struct {
	BtcAmount uint64 `cbor:"1,keyasint"`
}

func (*QuoteRequest) MsgType() MessageType { return MsgQuoteRequest }

// QuoteResponse answers a QuoteRequest with the rate the quoting party is
// currently willing to sell at and the largest BTC amount it can accept,
// its spendable balance clamped by rate.MaxBuyable (spec.md §3,
// original_source/swap/src/bin/swap_cli.rs's max-giveable check). ShldAmount
// is the amount MaxBtcAmount buys at AskPerCoin; swap.Manager's quote
// handler does not read QuoteRequest.BtcAmount.
type QuoteResponse struct {
	AskPerCoin   int64  `cbor:"1,keyasint"`
	MaxBtcAmount uint64 `cbor:"2,keyasint"`
	ShldAmount   uint64 `cbor:"3,keyasint"`
}

func (*QuoteResponse) MsgType() MessageType { return MsgQuoteResponse }
