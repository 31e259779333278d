package shld

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMockRPCServer(t *testing.T, handler func(method string, params json.RawMessage) (interface{}, *rpcError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := handler(req.Method, req.Params)

		resp := rpcResponse{Error: rpcErr}
		if result != nil {
			b, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = b
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRPCWalletBlockHeight(t *testing.T) {
	srv := startMockRPCServer(t, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		assert.Equal(t, "get_height", method)
		return getHeightResult{Height: 12345}, nil
	})

	w := NewRPCWallet(srv.URL)
	height, err := w.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 12345, height)
}

func TestRPCWalletTransfer(t *testing.T) {
	srv := startMockRPCServer(t, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		assert.Equal(t, "transfer", method)
		return transferResult{
			TxHash: "abc123",
			TxKey:  "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		}, nil
	})

	w := NewRPCWallet(srv.URL)
	var spend SpendPublicKey
	var view ViewPublicKey
	proof, err := w.Transfer(context.Background(), spend, view, 1000)
	require.NoError(t, err)
	assert.Equal(t, "abc123", proof.TxHash)
	assert.Equal(t, byte(0x01), proof.TxKey[0])
}

func TestRPCWalletTransferPropagatesRPCError(t *testing.T) {
	srv := startMockRPCServer(t, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		return nil, &rpcError{Code: -1, Message: "not enough money"}
	})

	w := NewRPCWallet(srv.URL)
	var spend SpendPublicKey
	var view ViewPublicKey
	_, err := w.Transfer(context.Background(), spend, view, 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough money")
}

func TestRPCWalletCreateAndLoadWalletForOutput(t *testing.T) {
	srv := startMockRPCServer(t, func(method string, params json.RawMessage) (interface{}, *rpcError) {
		assert.Equal(t, "generate_from_keys", method)
		return struct{}{}, nil
	})

	w := NewRPCWallet(srv.URL)
	var s, v [32]byte
	err := w.CreateAndLoadWalletForOutput(context.Background(), s, v, 555)
	require.NoError(t, err)
}
