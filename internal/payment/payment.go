// Package payment implements the x402 gate in front of monetized
// configuration reads: challenge details on the first request, proof
// verification against the facilitator on retry, and at-most-once settlement
// per transaction signature.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/klient"

	"github.com/bozp-pzob/ai-news-sub003/internal/config"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
	"github.com/bozp-pzob/ai-news-sub003/internal/store"
)

// memoTTL is how long a challenge memo stays valid.
const memoTTL = 5 * time.Minute

var (
	// ErrAlreadyUsed is returned for a replayed transaction signature. The
	// message is part of the API contract.
	ErrAlreadyUsed = errors.New("Payment has already been used")

	// ErrExpired is returned when the memo's timestamp is older than the TTL.
	ErrExpired = errors.New("payment memo expired")

	// ErrInvalidProof covers malformed or mismatched proofs.
	ErrInvalidProof = errors.New("invalid payment proof")

	// ErrVerificationFailed means the facilitator did not confirm the payment.
	ErrVerificationFailed = errors.New("payment verification failed")
)

// Details is the challenge carried by a 402 response, both as JSON body and
// as X-Payment-* headers.
type Details struct {
	Amount         int64     `json:"amount"` // smallest unit
	Currency       string    `json:"currency"`
	Network        string    `json:"network"`
	Recipient      string    `json:"recipient"` // config owner wallet
	PlatformWallet string    `json:"platformWallet"`
	PlatformFee    int64     `json:"platformFee"`
	FacilitatorURL string    `json:"facilitatorUrl"`
	Memo           string    `json:"memo"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Proof is the client's retry payload from the X-Payment-Proof header.
type Proof struct {
	Signature string `json:"signature"`
	Memo      string `json:"memo"`
}

// Gate issues challenges and settles proofs.
type Gate struct {
	cfg      config.Payment
	payments service.PaymentStorer
	http     *klient.Client
}

func New(cfg config.Payment, payments service.PaymentStorer, http *klient.Client) *Gate {
	return &Gate{cfg: cfg, payments: payments, http: http}
}

// Fee returns the floored platform share of an amount; dust stays with the
// owner.
func (g *Gate) Fee(amount int64) int64 {
	return amount * int64(g.cfg.PlatformFeePercent) / 100
}

// Challenge builds the 402 details for a monetized configuration.
func (g *Gate) Challenge(rec *service.ConfigRecord) Details {
	now := time.Now().UTC()
	return Details{
		Amount:         rec.PricePerQuery,
		Currency:       g.cfg.Currency,
		Network:        g.cfg.Network,
		Recipient:      rec.OwnerWallet,
		PlatformWallet: g.cfg.PlatformWallet,
		PlatformFee:    g.Fee(rec.PricePerQuery),
		FacilitatorURL: g.cfg.FacilitatorURL,
		Memo:           fmt.Sprintf("ctx:%s:%d:%s", rec.ID, now.Unix(), ulid.Make().String()),
		ExpiresAt:      now.Add(memoTTL),
	}
}

// WriteHeaders sets the X-Payment-* challenge headers.
func (d Details) WriteHeaders(h http.Header) {
	raw, _ := json.Marshal(d)
	h.Set("X-Payment-Required", string(raw))
	h.Set("X-Payment-Amount", strconv.FormatInt(d.Amount, 10))
	h.Set("X-Payment-Currency", d.Currency)
	h.Set("X-Payment-Network", d.Network)
	h.Set("X-Payment-Recipient", d.Recipient)
	h.Set("X-Payment-Memo", d.Memo)
	h.Set("X-Payment-Expires", d.ExpiresAt.Format(time.RFC3339))
}

// ParseProof decodes the X-Payment-Proof header value.
func ParseProof(header string) (*Proof, error) {
	if header == "" {
		return nil, nil
	}
	var p Proof
	if err := json.Unmarshal([]byte(header), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if p.Signature == "" || p.Memo == "" {
		return nil, fmt.Errorf("%w: signature and memo required", ErrInvalidProof)
	}
	return &p, nil
}

// CheckMemo validates that a memo belongs to the configuration and has not
// expired. Returns the embedded issue time.
func CheckMemo(memo, configID string, now time.Time) error {
	parts := strings.Split(memo, ":")
	if len(parts) != 4 || parts[0] != "ctx" {
		return fmt.Errorf("%w: malformed memo", ErrInvalidProof)
	}
	if parts[1] != configID {
		return fmt.Errorf("%w: memo is for another configuration", ErrInvalidProof)
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed memo timestamp", ErrInvalidProof)
	}
	issued := time.Unix(ts, 0)
	if now.Sub(issued) > memoTTL || issued.After(now.Add(time.Minute)) {
		return ErrExpired
	}
	return nil
}

type verifyRequest struct {
	Signature      string `json:"signature"`
	Memo           string `json:"memo"`
	Amount         int64  `json:"amount"`
	Recipient      string `json:"recipient"`
	PlatformWallet string `json:"platformWallet"`
	PlatformFee    int64  `json:"platformFee"`
	Network        string `json:"network"`
}

type verifyResponse struct {
	Verified bool   `json:"verified"`
	Payer    string `json:"payer"`
	Error    string `json:"error,omitempty"`
}

// Settle verifies a proof and records the payment. On success the caller lets
// the request through. The signature uniqueness constraint is the authority
// for at-most-once; concurrent submissions race to a single row.
func (g *Gate) Settle(ctx context.Context, rec *service.ConfigRecord, userID string, proof *Proof) (*service.Payment, error) {
	if err := CheckMemo(proof.Memo, rec.ID, time.Now().UTC()); err != nil {
		return nil, err
	}

	seen, err := g.payments.HasSignature(ctx, proof.Signature)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrAlreadyUsed
	}

	fee := g.Fee(rec.PricePerQuery)
	payer, err := g.verify(ctx, verifyRequest{
		Signature:      proof.Signature,
		Memo:           proof.Memo,
		Amount:         rec.PricePerQuery,
		Recipient:      rec.OwnerWallet,
		PlatformWallet: g.cfg.PlatformWallet,
		PlatformFee:    fee,
		Network:        g.cfg.Network,
	})
	if err != nil {
		return nil, err
	}

	p := service.Payment{
		ConfigID:    rec.ID,
		UserID:      userID,
		PayerWallet: payer,
		Amount:      rec.PricePerQuery,
		PlatformFee: fee,
		OwnerAmount: rec.PricePerQuery - fee,
		TxSignature: proof.Signature,
		Memo:        proof.Memo,
		Status:      "completed",
	}
	if err := g.payments.RecordPayment(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicateSignature) {
			return nil, ErrAlreadyUsed
		}
		return nil, err
	}
	return &p, nil
}

func (g *Gate) verify(ctx context.Context, req verifyRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(g.cfg.FacilitatorURL, "/")+"/verify", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.http.HTTP.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("facilitator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: facilitator status %d", ErrVerificationFailed, resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return "", fmt.Errorf("facilitator decode: %w", err)
	}
	if !vr.Verified {
		if vr.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrVerificationFailed, vr.Error)
		}
		return "", ErrVerificationFailed
	}
	return vr.Payer, nil
}
