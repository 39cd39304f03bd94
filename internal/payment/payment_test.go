package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worldline-go/klient"

	"github.com/bozp-pzob/ai-news-sub003/internal/config"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
	"github.com/bozp-pzob/ai-news-sub003/internal/store"
)

// memPayments is an in-memory PaymentStorer enforcing signature uniqueness.
type memPayments struct {
	mu   sync.Mutex
	rows map[string]service.Payment
}

func newMemPayments() *memPayments { return &memPayments{rows: map[string]service.Payment{}} }

func (m *memPayments) RecordPayment(_ context.Context, p service.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.TxSignature]; ok {
		return store.ErrDuplicateSignature
	}
	m.rows[p.TxSignature] = p
	return nil
}

func (m *memPayments) HasSignature(_ context.Context, sig string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[sig]
	return ok, nil
}

func testGate(payments service.PaymentStorer, facilitatorURL string) *Gate {
	return New(config.Payment{
		FacilitatorURL:     facilitatorURL,
		PlatformWallet:     "platform-wallet",
		PlatformFeePercent: 10,
		Currency:           "USDC",
		Network:            "solana",
	}, payments, &klient.Client{HTTP: http.DefaultClient})
}

func TestFeeFloors(t *testing.T) {
	g := testGate(newMemPayments(), "")

	assert.Equal(t, int64(100), g.Fee(1000))
	// 10% of 1005 is 100.5; the floored fee leaves the dust with the owner.
	assert.Equal(t, int64(100), g.Fee(1005))
	assert.Equal(t, int64(0), g.Fee(9))
}

func TestChallengeMemoFormat(t *testing.T) {
	g := testGate(newMemPayments(), "https://facilitator.example")
	rec := &service.ConfigRecord{
		Configuration: service.Configuration{ID: "cfg-1"},
		PricePerQuery: 1000,
		OwnerWallet:   "owner-wallet",
	}

	d := g.Challenge(rec)
	assert.Equal(t, int64(1000), d.Amount)
	assert.Equal(t, int64(100), d.PlatformFee)
	assert.Equal(t, "owner-wallet", d.Recipient)
	assert.NoError(t, CheckMemo(d.Memo, "cfg-1", time.Now().UTC()))
	assert.True(t, d.ExpiresAt.After(time.Now()))
}

func TestWriteHeaders(t *testing.T) {
	d := Details{
		Amount:    1000,
		Currency:  "USDC",
		Network:   "solana",
		Recipient: "owner-wallet",
		Memo:      "ctx:cfg-1:1:m",
		ExpiresAt: time.Now().UTC(),
	}
	h := http.Header{}
	d.WriteHeaders(h)

	assert.Equal(t, "1000", h.Get("X-Payment-Amount"))
	assert.Equal(t, "USDC", h.Get("X-Payment-Currency"))
	assert.Equal(t, "ctx:cfg-1:1:m", h.Get("X-Payment-Memo"))

	var round Details
	require.NoError(t, json.Unmarshal([]byte(h.Get("X-Payment-Required")), &round))
	assert.Equal(t, d.Amount, round.Amount)
}

func TestParseProof(t *testing.T) {
	p, err := ParseProof("")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = ParseProof(`{"signature":"sig-1","memo":"ctx:c:1:m"}`)
	require.NoError(t, err)
	assert.Equal(t, "sig-1", p.Signature)

	_, err = ParseProof(`{"signature":"sig-1"}`)
	assert.ErrorIs(t, err, ErrInvalidProof)

	_, err = ParseProof(`not json`)
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestCheckMemo(t *testing.T) {
	now := time.Now().UTC()
	memo := func(configID string, issued time.Time) string {
		return fmt.Sprintf("ctx:%s:%d:nonce", configID, issued.Unix())
	}

	assert.NoError(t, CheckMemo(memo("cfg-1", now), "cfg-1", now))
	assert.ErrorIs(t, CheckMemo(memo("cfg-1", now.Add(-6*time.Minute)), "cfg-1", now), ErrExpired)
	assert.ErrorIs(t, CheckMemo(memo("cfg-1", now.Add(2*time.Minute)), "cfg-1", now), ErrExpired)
	assert.ErrorIs(t, CheckMemo(memo("cfg-2", now), "cfg-1", now), ErrInvalidProof)
	assert.ErrorIs(t, CheckMemo("garbage", "cfg-1", now), ErrInvalidProof)
	assert.ErrorIs(t, CheckMemo("ctx:cfg-1:notanumber:n", "cfg-1", now), ErrInvalidProof)
}

func TestSettle(t *testing.T) {
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify", r.URL.Path)
		var req verifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(1000), req.Amount)
		assert.Equal(t, int64(100), req.PlatformFee)
		_ = json.NewEncoder(w).Encode(verifyResponse{Verified: true, Payer: "payer-wallet"})
	}))
	defer facilitator.Close()

	payments := newMemPayments()
	g := testGate(payments, facilitator.URL)
	rec := &service.ConfigRecord{
		Configuration: service.Configuration{ID: "cfg-1"},
		PricePerQuery: 1000,
		OwnerWallet:   "owner-wallet",
	}

	memo := g.Challenge(rec).Memo
	proof := &Proof{Signature: "sig-1", Memo: memo}

	p, err := g.Settle(context.Background(), rec, "user-1", proof)
	require.NoError(t, err)
	assert.Equal(t, "payer-wallet", p.PayerWallet)
	assert.Equal(t, int64(900), p.OwnerAmount)
	assert.Equal(t, "completed", p.Status)

	// Replaying the signature is rejected with the contract message.
	_, err = g.Settle(context.Background(), rec, "user-1", proof)
	require.ErrorIs(t, err, ErrAlreadyUsed)
	assert.Equal(t, "Payment has already been used", ErrAlreadyUsed.Error())
}

func TestSettleVerificationFailure(t *testing.T) {
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(verifyResponse{Verified: false, Error: "no such transaction"})
	}))
	defer facilitator.Close()

	g := testGate(newMemPayments(), facilitator.URL)
	rec := &service.ConfigRecord{
		Configuration: service.Configuration{ID: "cfg-1"},
		PricePerQuery: 1000,
	}

	_, err := g.Settle(context.Background(), rec, "", &Proof{Signature: "sig-x", Memo: g.Challenge(rec).Memo})
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestSettleRejectsForeignMemo(t *testing.T) {
	g := testGate(newMemPayments(), "http://unused.invalid")
	recA := &service.ConfigRecord{Configuration: service.Configuration{ID: "cfg-a"}}
	recB := &service.ConfigRecord{Configuration: service.Configuration{ID: "cfg-b"}, PricePerQuery: 10}

	_, err := g.Settle(context.Background(), recB, "", &Proof{Signature: "s", Memo: g.Challenge(recA).Memo})
	assert.ErrorIs(t, err, ErrInvalidProof)
}
