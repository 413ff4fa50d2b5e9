package rpc

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"harbor/core/state"
	"harbor/crypto"
	"harbor/native/bridge"
	"harbor/observability"
	"harbor/observability/logging"
)

type depositIntentRequest struct {
	Asset     string `json:"asset"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

type depositRecordResponse struct {
	ID        string `json:"id"`
	Asset     string `json:"asset"`
	Source    string `json:"source"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	CreatedAt uint64 `json:"createdAt"`
}

func recordResponse(record *bridge.DepositRecord) depositRecordResponse {
	return depositRecordResponse{
		ID:        record.ID,
		Asset:     record.Asset,
		Source:    crypto.MustNewAddress(crypto.HarborPrefix, record.Source[:]).String(),
		Recipient: "0x" + hex.EncodeToString(record.Recipient[:]),
		Amount:    record.Amount.String(),
		CreatedAt: record.CreatedAt,
	}
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, badRequest("amount must be a positive decimal string")
	}
	return amount, nil
}

func parseSignature(raw string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil || len(sig) == 0 {
		return nil, badRequest("signature must be hex encoded")
	}
	return sig, nil
}

func parseRecipient(raw string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err == nil && len(decoded) == len(out) {
		copy(out[:], decoded)
		return out, nil
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return out, badRequest("recipient must be a 20-byte hex string or bech32 address")
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func (s *Server) handleBridgeDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "bridge", "deposit", badRequest("malformed JSON body"))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, "bridge", "deposit", err)
		return
	}
	recipient, err := parseRecipient(req.Recipient)
	if err != nil {
		s.writeError(w, "bridge", "deposit", err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		s.writeError(w, "bridge", "deposit", err)
		return
	}

	intent := bridge.DepositIntent{
		Asset:     req.Asset,
		Recipient: recipient,
		Amount:    amount,
		Nonce:     req.Nonce,
		Deadline:  req.Deadline,
	}

	var record *bridge.DepositRecord
	err = s.state.Update(func(tx *state.Tx) error {
		s.bridge.SetState(tx)
		var depErr error
		record, depErr = s.bridge.DepositWithIntent(intent, sig)
		return depErr
	})
	if err != nil {
		s.writeError(w, "bridge", "deposit", err)
		return
	}

	amountFloat, _ := new(big.Float).SetInt(record.Amount).Float64()
	observability.Bridge().ObserveDeposit(record.Asset, amountFloat)
	s.log.Info("bridge deposit accepted",
		"module", "bridge",
		"asset", record.Asset,
		"record", record.ID,
	)
	writeJSON(w, http.StatusCreated, recordResponse(record))
}

type withdrawRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

func (s *Server) handleBridgeWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "bridge", "withdraw", badRequest("malformed JSON body"))
		return
	}
	recipient, err := crypto.DecodeAddress(req.Recipient)
	if err != nil {
		s.writeError(w, "bridge", "withdraw", badRequest("recipient must be a bech32 address"))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, "bridge", "withdraw", err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		s.writeError(w, "bridge", "withdraw", err)
		return
	}

	auth := bridge.WithdrawalAuthorization{
		Recipient: recipient,
		Amount:    amount,
		Nonce:     req.Nonce,
		Deadline:  req.Deadline,
	}
	err = s.state.Update(func(tx *state.Tx) error {
		s.bridge.SetState(tx)
		return s.bridge.Withdraw(auth, sig)
	})
	if err != nil {
		s.writeError(w, "bridge", "withdraw", err)
		return
	}

	observability.Bridge().ObserveWithdraw(s.bridge.Asset())
	s.log.Info("bridge withdrawal settled",
		"module", "bridge",
		"asset", s.bridge.Asset(),
		"nonce", req.Nonce,
		logging.MaskField("recipient", req.Recipient),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

func (s *Server) handleBridgeDepositList(w http.ResponseWriter, _ *http.Request) {
	var ids []string
	err := s.state.View(func(tx *state.Tx) error {
		s.bridge.SetState(tx)
		var listErr error
		ids, listErr = s.bridge.DepositRecordIDs()
		return listErr
	})
	if err != nil {
		s.writeError(w, "bridge", "deposit_list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"ids": ids})
}

func (s *Server) handleBridgeDepositByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var (
		record *bridge.DepositRecord
		found  bool
	)
	err := s.state.View(func(tx *state.Tx) error {
		s.bridge.SetState(tx)
		var getErr error
		record, found, getErr = s.bridge.DepositRecordByID(id)
		return getErr
	})
	if err != nil {
		s.writeError(w, "bridge", "deposit_get", err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "deposit record not found"})
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(record))
}

func (s *Server) handleBridgeNonces(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, "bridge", "nonces", badRequest("address must be bech32"))
		return
	}
	var withdrawNonce, intentNonce uint64
	err = s.state.View(func(tx *state.Tx) error {
		s.bridge.SetState(tx)
		var nErr error
		if withdrawNonce, nErr = s.bridge.WithdrawNonce(addr); nErr != nil {
			return nErr
		}
		intentNonce, nErr = s.bridge.IntentNonce(addr)
		return nErr
	})
	if err != nil {
		s.writeError(w, "bridge", "nonces", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{
		"withdraw": withdrawNonce,
		"intent":   intentNonce,
	})
}

func (s *Server) handleBridgeVault(w http.ResponseWriter, _ *http.Request) {
	var total *big.Int
	err := s.state.View(func(tx *state.Tx) error {
		s.bridge.SetState(tx)
		var vErr error
		total, vErr = s.bridge.Vault().TrackedTotal(tx, s.bridge.Asset())
		return vErr
	})
	if err != nil {
		s.writeError(w, "bridge", "vault", err)
		return
	}
	totalFloat, _ := new(big.Float).SetInt(total).Float64()
	observability.Bridge().SetVaultTotal(s.bridge.Asset(), totalFloat)
	writeJSON(w, http.StatusOK, map[string]string{
		"asset": s.bridge.Asset(),
		"total": total.String(),
	})
}
