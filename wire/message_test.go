package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestM0RoundTrip(t *testing.T) {
	id := uuid.New()

	m0 := &M0{
		BtcAmount:            250_000,
		ShldAmount:           1_000_000_000_000,
		CancelTimelock:       72,
		PunishTimelock:       144,
		MinShldConfirmations: 10,
	}
	copy(m0.SwapID[:], id[:])
	m0.SPubA[0] = 0x02

	encoded, err := EncodeMessage(m0)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)

	got, ok := decoded.(*M0)
	require.True(t, ok)
	assert.Equal(t, m0.BtcAmount, got.BtcAmount)
	assert.Equal(t, m0.ShldAmount, got.ShldAmount)
	assert.Equal(t, m0.SwapID, got.SwapID)
	assert.Equal(t, MsgM0, got.MsgType())
}

func TestDecodeMessageUnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte{0xff, 0xff})
	require.Error(t, err)

	var unk *UnknownMessageError
	assert.ErrorAs(t, err, &unk)
}

func TestM2RoundTrip(t *testing.T) {
	m2 := &M2{
		CancelSigA: []byte("cancel-sig-a"),
		EncryptedRefundA: EncryptedSignature{
			R: []byte("r-bytes"),
			S: []byte("s-bytes"),
		},
	}

	encoded, err := EncodeMessage(m2)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)

	got, ok := decoded.(*M2)
	require.True(t, ok)
	assert.Equal(t, m2.CancelSigA, got.CancelSigA)
	assert.Equal(t, m2.EncryptedRefundA.R, got.EncryptedRefundA.R)
	assert.Equal(t, m2.EncryptedRefundA.S, got.EncryptedRefundA.S)
}

func TestM4RoundTrip(t *testing.T) {
	id := uuid.New()
	m4 := &M4{Proof: TransferProof{TxID: "deadbeef", RestoreBlockHeight: 42}}
	copy(m4.SwapID[:], id[:])

	encoded, err := EncodeMessage(m4)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)

	got, ok := decoded.(*M4)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", got.Proof.TxID)
	assert.Equal(t, uint64(42), got.Proof.RestoreBlockHeight)
	assert.Equal(t, m4.SwapID, got.SwapID)
}

func TestQuoteRoundTrip(t *testing.T) {
	req := &QuoteRequest{BtcAmount: 250_000}
	encoded, err := EncodeMessage(req)
	require.NoError(t, err)
	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	gotReq, ok := decoded.(*QuoteRequest)
	require.True(t, ok)
	assert.Equal(t, req.BtcAmount, gotReq.BtcAmount)

	resp := &QuoteResponse{AskPerCoin: 250_000, MaxBtcAmount: 1_000_000, ShldAmount: 1_000 * 1_000_000_000_000}
	encoded, err = EncodeMessage(resp)
	require.NoError(t, err)
	decoded, err = DecodeMessage(encoded)
	require.NoError(t, err)
	gotResp, ok := decoded.(*QuoteResponse)
	require.True(t, ok)
	assert.Equal(t, resp.AskPerCoin, gotResp.AskPerCoin)
	assert.Equal(t, resp.MaxBtcAmount, gotResp.MaxBtcAmount)
	assert.Equal(t, resp.ShldAmount, gotResp.ShldAmount)
}
