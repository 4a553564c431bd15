package wallet

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgenet/posnode/internal/keys"
)

func mustKeyPair(t *testing.T) *keys.KeyPair {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	return kp
}

func TestBalanceCallsGetAddressAmount(t *testing.T) {
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotMethod = req.Method
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"amount": 42},
		})
	}))
	defer server.Close()

	w := New(mustKeyPair(t), server.URL)
	balance, err := w.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), balance)
	assert.Equal(t, "RPCService.GetAddressAmount", gotMethod)
}

func TestSendMovementSubmitsSignedTransaction(t *testing.T) {
	var submitted struct {
		Params struct {
			Tx struct {
				Hash string `json:"hash"`
			} `json:"tx"`
		} `json:"params"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{}})
	}))
	defer server.Close()

	kp := mustKeyPair(t)
	recipient := mustKeyPair(t)
	w := New(kp, server.URL)

	tx, err := w.SendMovement(recipient.Address, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, submitted.Params.Tx.Hash)
	assert.Equal(t, tx.Hash, submitted.Params.Tx.Hash)
}

func TestCallReturnsErrorOnRPCErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "boom"})
	}))
	defer server.Close()

	w := New(mustKeyPair(t), server.URL)
	_, err := w.Balance()
	assert.Error(t, err)
}
