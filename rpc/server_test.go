package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"harbor/core/state"
	"harbor/crypto"
	"harbor/native/bridge"
	"harbor/native/loanpool"
	"harbor/native/oracle"
	"harbor/native/token"
	"harbor/storage"
)

const (
	testAsset   = "HBR"
	testChainID = uint64(7)
)

type testHarness struct {
	server  *httptest.Server
	manager *state.Manager
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	manager, err := state.Open(storage.NewMemDB())
	require.NoError(t, err)

	vaultAddr, err := crypto.NewAddress(crypto.HarborPrefix, bytes.Repeat([]byte{0xEE}, crypto.AddressLength))
	require.NoError(t, err)
	poolAddr, err := crypto.NewAddress(crypto.HarborPrefix, bytes.Repeat([]byte{0xAB}, crypto.AddressLength))
	require.NoError(t, err)

	bridgeEngine := bridge.NewEngine(vaultAddr, testAsset, testChainID)
	poolEngine := loanpool.NewEngine(poolAddr, nil)
	agg := oracle.NewAggregator([]string{"manual"}, time.Hour)

	srv := NewServer(slog.Default(), manager, bridgeEngine, poolEngine, agg, testChainID)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testHarness{server: ts, manager: manager}
}

func (h *testHarness) fund(t *testing.T, addr crypto.Address, amount int64) {
	t.Helper()
	require.NoError(t, h.manager.Update(func(tx *state.Tx) error {
		return token.NewLedger(tx).Mint(testAsset, addr, big.NewInt(amount))
	}))
}

func (h *testHarness) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (h *testHarness) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestDepositIntentFlow(t *testing.T) {
	h := newTestHarness(t)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	caller := key.PubKey().Address()
	h.fund(t, caller, 1_000)

	var recipient [20]byte
	recipient[0] = 0xCD
	deadline := time.Now().Unix() + 600
	intent := bridge.DepositIntent{
		Asset:     testAsset,
		Recipient: recipient,
		Amount:    big.NewInt(400),
		Nonce:     0,
		Deadline:  deadline,
	}
	sig, err := key.Sign(intent.Hash(testChainID))
	require.NoError(t, err)

	body := map[string]interface{}{
		"asset":     testAsset,
		"recipient": "0x" + hex.EncodeToString(recipient[:]),
		"amount":    "400",
		"nonce":     0,
		"deadline":  deadline,
		"signature": hex.EncodeToString(sig),
	}

	resp, decoded := h.post(t, "/v1/bridge/deposits", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "400", decoded["amount"])
	require.Equal(t, caller.String(), decoded["source"])
	recordID := decoded["id"].(string)
	require.NotEmpty(t, recordID)

	// The record is queryable afterwards.
	resp, decoded = h.get(t, "/v1/bridge/deposits/"+recordID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, recordID, decoded["id"])

	// A captured envelope replays as a nonce conflict and moves nothing.
	resp, _ = h.post(t, "/v1/bridge/deposits", body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, decoded = h.get(t, "/v1/bridge/vault")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "400", decoded["total"])
}

func TestWithdrawFlowAndReplay(t *testing.T) {
	h := newTestHarness(t)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	recipient := key.PubKey().Address()
	h.fund(t, recipient, 1_000)

	// Seed custody through a signed intent.
	var dest [20]byte
	deadline := time.Now().Unix() + 600
	intent := bridge.DepositIntent{Asset: testAsset, Recipient: dest, Amount: big.NewInt(500), Nonce: 0, Deadline: deadline}
	sig, err := key.Sign(intent.Hash(testChainID))
	require.NoError(t, err)
	resp, _ := h.post(t, "/v1/bridge/deposits", map[string]interface{}{
		"asset":     testAsset,
		"recipient": "0x" + hex.EncodeToString(dest[:]),
		"amount":    "500",
		"nonce":     0,
		"deadline":  deadline,
		"signature": hex.EncodeToString(sig),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	auth := bridge.WithdrawalAuthorization{
		Recipient: recipient,
		Amount:    big.NewInt(200),
		Nonce:     0,
		Deadline:  deadline,
	}
	wsig, err := key.Sign(auth.Hash(testChainID, testAsset))
	require.NoError(t, err)
	withdrawBody := map[string]interface{}{
		"recipient": recipient.String(),
		"amount":    "200",
		"nonce":     0,
		"deadline":  deadline,
		"signature": hex.EncodeToString(wsig),
	}

	resp, decoded := h.post(t, "/v1/bridge/withdrawals", withdrawBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "settled", decoded["status"])

	// Byte-identical replay is rejected with a conflict.
	resp, _ = h.post(t, "/v1/bridge/withdrawals", withdrawBody)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, decoded = h.get(t, fmt.Sprintf("/v1/bridge/nonces/%s", recipient.String()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), decoded["withdraw"])
}

func TestPoolDepositEnvelope(t *testing.T) {
	h := newTestHarness(t)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	provider := key.PubKey().Address()
	h.fund(t, provider, 5_000)

	deadline := time.Now().Unix() + 600
	digest := PoolActionDigest(testChainID, "deposit", testAsset, big.NewInt(5_000), 0, deadline)
	sig, err := key.Sign(digest)
	require.NoError(t, err)

	resp, decoded := h.post(t, "/v1/pool/deposits", map[string]interface{}{
		"asset":     testAsset,
		"amount":    "5000",
		"nonce":     0,
		"deadline":  deadline,
		"signature": hex.EncodeToString(sig),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "5000", decoded["shares"])

	resp, decoded = h.get(t, "/v1/pool/"+testAsset)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "5000", decoded["totalShares"])
	require.Equal(t, "5000", decoded["balance"])

	resp, decoded = h.get(t, fmt.Sprintf("/v1/pool/%s/shares/%s", testAsset, provider.String()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "5000", decoded["shares"])
}

func TestExpiredEnvelopeRejected(t *testing.T) {
	h := newTestHarness(t)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	h.fund(t, key.PubKey().Address(), 1_000)

	var dest [20]byte
	deadline := time.Now().Unix() - 10
	intent := bridge.DepositIntent{Asset: testAsset, Recipient: dest, Amount: big.NewInt(100), Nonce: 0, Deadline: deadline}
	sig, err := key.Sign(intent.Hash(testChainID))
	require.NoError(t, err)

	resp, _ := h.post(t, "/v1/bridge/deposits", map[string]interface{}{
		"asset":     testAsset,
		"recipient": "0x" + hex.EncodeToString(dest[:]),
		"amount":    "100",
		"nonce":     0,
		"deadline":  deadline,
		"signature": hex.EncodeToString(sig),
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	h := newTestHarness(t)
	resp, decoded := h.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", decoded["status"])
}
