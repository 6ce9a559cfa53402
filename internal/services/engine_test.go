package services

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dngun/escrow-backend/internal/clock"
	"github.com/dngun/escrow-backend/internal/models"
	"github.com/dngun/escrow-backend/internal/repository/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg EngineConfig) (*TransactionEngine, *clock.Fake, memory.Repositories) {
	t.Helper()
	repos := memory.NewRepositories()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := NewTransactionEngine(repos.Transactions, repos.AuditLogs, nil, clk, testLogger(), cfg)
	return eng, clk, repos
}

func testParams() CreateParams {
	return CreateParams{
		DomainName:    "example",
		Extension:     ".com",
		Buyer:         models.Party{ID: "buyer-1", DisplayName: "alice", Email: "alice@example.com"},
		Seller:        models.Party{ID: "seller-1", DisplayName: "bob", Email: "bob@example.com"},
		Amount:        150000,
		PaymentMethod: models.PayEscrowTransfer,
	}
}

func TestCreateInitialState(t *testing.T) {
	eng, clk, _ := newTestEngine(t, EngineConfig{EscrowFeeBps: 300, TransactionFeeBps: 700})

	tx, err := eng.Create(testParams(), "")
	require.NoError(t, err)

	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, models.StateInitiated, tx.State)
	require.Len(t, tx.History, 1)
	assert.Equal(t, models.StateInitiated, tx.History[0].State)
	assert.Equal(t, "Transaction initiated", tx.History[0].Details)
	assert.Equal(t, clk.Now().UTC(), tx.History[0].Timestamp)

	// 3% escrow + 7% transaction fee on 1500.00.
	assert.Equal(t, int64(4500), tx.EscrowFee)
	assert.Equal(t, int64(10500), tx.TransactionFee)
}

func TestCreateValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t, EngineConfig{})

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"zero amount", func(p *CreateParams) { p.Amount = 0 }},
		{"negative amount", func(p *CreateParams) { p.Amount = -5 }},
		{"missing domain", func(p *CreateParams) { p.DomainName = "" }},
		{"missing buyer", func(p *CreateParams) { p.Buyer.ID = "" }},
		{"missing seller", func(p *CreateParams) { p.Seller.ID = "" }},
		{"buyer is seller", func(p *CreateParams) { p.Seller.ID = p.Buyer.ID }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testParams()
			tc.mutate(&p)
			_, err := eng.Create(p, "")
			assert.Error(t, err)
		})
	}
}

func TestCreateIdempotencyKey(t *testing.T) {
	eng, _, _ := newTestEngine(t, EngineConfig{})

	first, err := eng.Create(testParams(), "key-1")
	require.NoError(t, err)
	second, err := eng.Create(testParams(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := eng.Create(testParams(), "key-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestAdvanceRejectsIllegalJump(t *testing.T) {
	eng, _, _ := newTestEngine(t, EngineConfig{})
	tx, err := eng.Create(testParams(), "")
	require.NoError(t, err)

	_, err = eng.Advance(tx.ID, models.StateTransferCompleted, "skipping ahead")
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))

	// The rejected call must leave no trace.
	cur, err := eng.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateInitiated, cur.State)
	assert.Len(t, cur.History, 1)
}

func TestAdvanceFullChain(t *testing.T) {
	eng, _, _ := newTestEngine(t, EngineConfig{})
	tx, err := eng.Create(testParams(), "")
	require.NoError(t, err)

	for next := models.StateInitiated.Next(); next != ""; next = next.Next() {
		tx, err = eng.Advance(tx.ID, next, "step "+string(next))
		require.NoError(t, err)
		assert.Equal(t, next, tx.State)
		assert.Equal(t, next, tx.History[len(tx.History)-1].State)
	}

	assert.Equal(t, models.StateCompleted, tx.State)
	require.Len(t, tx.History, len(models.StateChain))
	for i, st := range models.StateChain {
		assert.Equal(t, st, tx.History[i].State)
		if i > 0 {
			assert.False(t, tx.History[i].Timestamp.Before(tx.History[i-1].Timestamp))
		}
	}

	// Terminal state admits nothing, not even failed.
	_, err = eng.Advance(tx.ID, models.StateFailed, "too late")
	assert.True(t, IsInvalidTransition(err))
	_, err = eng.Fail(tx.ID, "too late")
	assert.True(t, IsInvalidTransition(err))
}

func TestFailFromAnyNonTerminalState(t *testing.T) {
	eng, _, _ := newTestEngine(t, EngineConfig{})
	tx, err := eng.Create(testParams(), "")
	require.NoError(t, err)

	_, err = eng.Advance(tx.ID, models.StatePaymentPending, "")
	require.NoError(t, err)

	failed, err := eng.Fail(tx.ID, "buyer withdrew")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, failed.State)
	assert.Equal(t, "buyer withdrew", failed.History[len(failed.History)-1].Details)

	_, err = eng.Advance(tx.ID, models.StatePaymentConfirmed, "")
	assert.True(t, IsInvalidTransition(err))
}

func TestAdvanceUnknownTransaction(t *testing.T) {
	eng, _, _ := newTestEngine(t, EngineConfig{})
	_, err := eng.Advance("nope", models.StatePaymentPending, "")
	assert.True(t, IsNotFound(err))
	_, err = eng.Get("nope")
	assert.True(t, IsNotFound(err))
}

func TestSubscribeNotify(t *testing.T) {
	eng, _, _ := newTestEngine(t, EngineConfig{})
	tx, err := eng.Create(testParams(), "")
	require.NoError(t, err)

	var got []models.TransactionState
	unsub := eng.Subscribe(tx.ID, func(u StateUpdate) { got = append(got, u.State) })

	_, err = eng.Advance(tx.ID, models.StatePaymentPending, "")
	require.NoError(t, err)
	_, err = eng.Advance(tx.ID, models.StateTransferCompleted, "illegal")
	require.Error(t, err)
	_, err = eng.Advance(tx.ID, models.StatePaymentConfirmed, "")
	require.NoError(t, err)

	// Exactly one update per accepted transition, in order.
	assert.Equal(t, []models.TransactionState{models.StatePaymentPending, models.StatePaymentConfirmed}, got)

	unsub()
	unsub() // idempotent
	_, err = eng.Advance(tx.ID, models.StateTransferInitiated, "")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSubscriberPanicDoesNotBlockOthers(t *testing.T) {
	eng, _, _ := newTestEngine(t, EngineConfig{})
	tx, err := eng.Create(testParams(), "")
	require.NoError(t, err)

	eng.Subscribe(tx.ID, func(StateUpdate) { panic("boom") })
	var delivered int
	eng.Subscribe(tx.ID, func(StateUpdate) { delivered++ })

	updated, err := eng.Advance(tx.ID, models.StatePaymentPending, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatePaymentPending, updated.State)
	assert.Equal(t, 1, delivered)
}

func TestAutoAdvance(t *testing.T) {
	eng, clk, _ := newTestEngine(t, EngineConfig{AutoAdvanceDelay: time.Second})
	tx, err := eng.Create(testParams(), "")
	require.NoError(t, err)

	cur, err := eng.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateInitiated, cur.State)

	clk.Advance(time.Second)
	cur, err = eng.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaymentPending, cur.State)
	assert.Len(t, cur.History, 2)
}

func TestAutoAdvanceDisabled(t *testing.T) {
	eng, clk, _ := newTestEngine(t, EngineConfig{})
	tx, err := eng.Create(testParams(), "")
	require.NoError(t, err)

	clk.Advance(time.Hour)
	cur, err := eng.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateInitiated, cur.State)
	assert.Equal(t, 0, clk.PendingCount())
}
