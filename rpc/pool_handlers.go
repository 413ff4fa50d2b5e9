package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"harbor/core/state"
	"harbor/crypto"
	"harbor/native/bridge"
	"harbor/native/token"
	"harbor/observability"
)

// PoolDomainV1 is the domain separator for signed pool actions submitted
// through the gateway. Pool actions ride the same nonce machinery as bridge
// authorizations, under their own namespace.
const PoolDomainV1 = "HARBOR_POOL_V1"

// NoncePool is the authorizer namespace for signed pool actions.
const NoncePool = "pool"

const (
	poolActionDeposit = "deposit"
	poolActionRedeem  = "redeem"
)

// PoolActionDigest reconstructs the canonical digest a liquidity provider signs
// for a pool deposit or redemption.
func PoolActionDigest(chainID uint64, action, asset string, amount *big.Int, nonce uint64, deadline int64) []byte {
	amountStr := "0"
	if amount != nil {
		amountStr = amount.String()
	}
	payload := fmt.Sprintf("%s|chain=%d|action=%s|asset=%s|amount=%s|nonce=%d|deadline=%d",
		PoolDomainV1,
		chainID,
		action,
		token.NormalizeAsset(asset),
		amountStr,
		nonce,
		deadline,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

type poolActionRequest struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

// executePoolAction recovers the signer from the envelope, verifies nonce and
// deadline, and runs the action with the signer as the only funding source.
func (s *Server) executePoolAction(w http.ResponseWriter, r *http.Request, action string) {
	var req poolActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "loanpool", action, badRequest("malformed JSON body"))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, "loanpool", action, err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		s.writeError(w, "loanpool", action, err)
		return
	}

	digest := PoolActionDigest(s.chainID, action, req.Asset, amount, req.Nonce, req.Deadline)
	signer, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		s.writeError(w, "loanpool", action, bridge.ErrInvalidSignature)
		return
	}

	var result *big.Int
	err = s.state.Update(func(tx *state.Tx) error {
		if verr := s.auth.Verify(tx, NoncePool, signer, digest, req.Nonce, req.Deadline, sig); verr != nil {
			return verr
		}
		if cerr := s.auth.Consume(tx, NoncePool, signer); cerr != nil {
			return cerr
		}
		s.pool.SetState(tx)
		var actErr error
		switch action {
		case poolActionDeposit:
			result, actErr = s.pool.Deposit(req.Asset, signer, amount)
		case poolActionRedeem:
			result, actErr = s.pool.Redeem(req.Asset, signer, amount)
		}
		return actErr
	})
	if err != nil {
		s.writeError(w, "loanpool", action, err)
		return
	}

	switch action {
	case poolActionDeposit:
		observability.LoanPool().ObserveDeposit(req.Asset)
		s.log.Info("pool deposit accepted", "module", "loanpool", "asset", token.NormalizeAsset(req.Asset))
		writeJSON(w, http.StatusCreated, map[string]string{"shares": result.String()})
	case poolActionRedeem:
		observability.LoanPool().ObserveRedeem(req.Asset)
		s.log.Info("pool redemption settled", "module", "loanpool", "asset", token.NormalizeAsset(req.Asset))
		writeJSON(w, http.StatusOK, map[string]string{"amount": result.String()})
	}
}

func (s *Server) handlePoolDeposit(w http.ResponseWriter, r *http.Request) {
	s.executePoolAction(w, r, poolActionDeposit)
}

func (s *Server) handlePoolRedeem(w http.ResponseWriter, r *http.Request) {
	s.executePoolAction(w, r, poolActionRedeem)
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	var rateValue, totalShares, balance *big.Int
	err := s.state.View(func(tx *state.Tx) error {
		s.pool.SetState(tx)
		var pErr error
		if rateValue, pErr = s.pool.ExchangeRate(asset); pErr != nil {
			return pErr
		}
		if totalShares, pErr = s.pool.TotalShares(asset); pErr != nil {
			return pErr
		}
		balance, pErr = s.pool.PoolBalance(asset)
		return pErr
	})
	if err != nil {
		s.writeError(w, "loanpool", "status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":        token.NormalizeAsset(asset),
		"exchangeRate": rateValue.String(),
		"totalShares":  totalShares.String(),
		"balance":      balance.String(),
	})
}

func (s *Server) handlePoolShares(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, "loanpool", "shares", badRequest("address must be bech32"))
		return
	}
	var shares *big.Int
	err = s.state.View(func(tx *state.Tx) error {
		s.pool.SetState(tx)
		var sErr error
		shares, sErr = s.pool.SharesOf(asset, addr)
		return sErr
	})
	if err != nil {
		s.writeError(w, "loanpool", "shares", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":  token.NormalizeAsset(asset),
		"shares": shares.String(),
	})
}

type feedHealthResponse struct {
	Pair         string `json:"pair"`
	LastObserved string `json:"lastObserved"`
	AgeSeconds   int64  `json:"ageSeconds"`
	Observations int    `json:"observations"`
}

func (s *Server) handleOracleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.agg.Health()
	now := time.Now()
	feeds := make([]feedHealthResponse, 0, len(health.Feeds))
	for _, feed := range health.Feeds {
		age := int64(now.Sub(feed.LastObserved) / time.Second)
		observability.Oracle().SetFeedAge(feed.Pair(), float64(age))
		feeds = append(feeds, feedHealthResponse{
			Pair:         feed.Pair(),
			LastObserved: feed.LastObserved.UTC().Format(time.RFC3339),
			AgeSeconds:   age,
			Observations: feed.Observations,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"feeds": feeds})
}
