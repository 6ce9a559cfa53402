package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dngun/escrow-backend/internal/clock"
	"github.com/dngun/escrow-backend/internal/models"
	"github.com/dngun/escrow-backend/internal/repository/memory"
)

type negFixture struct {
	eng    *TransactionEngine
	neg    *NegotiationService
	clk    *clock.Fake
	repos  memory.Repositories
	buyer  models.User
	seller models.User
	tx     models.Transaction
}

func newNegFixture(t *testing.T) *negFixture {
	t.Helper()
	repos := memory.NewRepositories()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng := NewTransactionEngine(repos.Transactions, repos.AuditLogs, nil, clk, testLogger(), EngineConfig{
		EscrowFeeBps:      300,
		TransactionFeeBps: 700,
	})
	neg := NewNegotiationService(eng, repos.Users, clk, testLogger(), DefaultScriptDelays())

	buyer, err := repos.Users.Create("alice", "alice@example.com", "hash", "user")
	require.NoError(t, err)
	seller, err := repos.Users.Create("bob", "bob@example.com", "hash", "user")
	require.NoError(t, err)
	require.NoError(t, repos.Users.UpdatePaymentMethod(seller.ID, "paypal:bob@example.com"))

	tx, err := eng.Create(CreateParams{
		DomainName:    "example",
		Extension:     ".com",
		Buyer:         buyer.Party(),
		Seller:        seller.Party(),
		Amount:        250000,
		PaymentMethod: models.PayEscrowTransfer,
	}, "")
	require.NoError(t, err)

	return &negFixture{eng: eng, neg: neg, clk: clk, repos: repos, buyer: buyer, seller: seller, tx: tx}
}

func (f *negFixture) state(t *testing.T) models.Transaction {
	t.Helper()
	tx, err := f.eng.Get(f.tx.ID)
	require.NoError(t, err)
	return tx
}

// The full push-branch conversation, driven entirely on virtual time: both
// parties walk their script and the transaction crosses every chain state.
func TestNegotiationHappyPathPushBranch(t *testing.T) {
	f := newNegFixture(t)
	d := DefaultScriptDelays()

	bv, err := f.neg.Open(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleBuyer, bv.Role)
	assert.Equal(t, string(nodeBuyerAwaitPayment), bv.Cursor)

	sv, err := f.neg.Open(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleSeller, sv.Role)
	assert.Equal(t, string(nodeSellerCheckingPayment), sv.Cursor)

	// Seller has a payout method, so the check lands on stand-by.
	f.clk.Advance(d.Typing + d.PaymentCheck)
	sv, err = f.neg.Get(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerPaymentReady), sv.Cursor)

	// Buyer pays; verification drives the engine through both payment states.
	bv, err = f.neg.HandleAction(f.tx.ID, f.buyer.ID, actionConfirmPayment)
	require.NoError(t, err)
	assert.Equal(t, string(nodeBuyerVerifyingPayment), bv.Cursor)

	f.clk.Advance(d.Typing + d.PaymentVerify)
	assert.Equal(t, models.StatePaymentConfirmed, f.state(t).State)

	bv, err = f.neg.Get(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeBuyerWaitSeller), bv.Cursor)

	// The seller's session reacts to the confirmed payment on its own.
	sv, err = f.neg.Get(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerChoose), sv.Cursor)

	// Seller pushes the domain.
	sv, err = f.neg.HandleAction(f.tx.ID, f.seller.ID, actionPushDomain)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerPushInstr), sv.Cursor)

	sv, err = f.neg.HandleAction(f.tx.ID, f.seller.ID, actionConfirmPushComplete)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerVerifyingPush), sv.Cursor)
	assert.Equal(t, models.StateTransferInitiated, f.state(t).State)

	f.clk.Advance(d.Typing + d.PushVerify + d.PushVerify)
	assert.Equal(t, models.StateTransferCompleted, f.state(t).State)

	sv, err = f.neg.Get(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerAwaitRelease), sv.Cursor)

	// Buyer is prompted for the receiving account.
	bv, err = f.neg.Get(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeBuyerRegistryUsername), bv.Cursor)

	bv, err = f.neg.HandleAction(f.tx.ID, f.buyer.ID, actionProvideUsername)
	require.NoError(t, err)
	assert.Equal(t, string(nodeBuyerEnterUsername), bv.Cursor)
	assert.Equal(t, inputRegistryUsername, bv.ExpectedInput)

	bv, err = f.neg.HandleInput(f.tx.ID, f.buyer.ID, "alice_registrar")
	require.NoError(t, err)
	assert.Equal(t, string(nodeBuyerPushing), bv.Cursor)

	f.clk.Advance(d.Typing + d.FinalPush)

	final := f.state(t)
	assert.Equal(t, models.StateCompleted, final.State)
	require.Len(t, final.History, len(models.StateChain))
	for i, st := range models.StateChain {
		assert.Equal(t, st, final.History[i].State)
		if i > 0 {
			assert.False(t, final.History[i].Timestamp.Before(final.History[i-1].Timestamp))
		}
	}

	f.clk.Advance(d.Typing)
	bv, err = f.neg.Get(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSummary), bv.Cursor)
	sv, err = f.neg.Get(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSummary), sv.Cursor)
}

func TestNegotiationTransferBranchAuthCode(t *testing.T) {
	f := newNegFixture(t)
	d := DefaultScriptDelays()

	_, err := f.eng.Advance(f.tx.ID, models.StatePaymentPending, "")
	require.NoError(t, err)
	_, err = f.eng.Advance(f.tx.ID, models.StatePaymentConfirmed, "")
	require.NoError(t, err)

	sv, err := f.neg.Open(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerChoose), sv.Cursor)

	sv, err = f.neg.HandleAction(f.tx.ID, f.seller.ID, actionTransferDomain)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerTransferInstr), sv.Cursor)

	sv, err = f.neg.HandleAction(f.tx.ID, f.seller.ID, actionProvideAuthCode)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerAwaitAuthCode), sv.Cursor)
	assert.Equal(t, inputAuthCode, sv.ExpectedInput)

	before := f.state(t)

	// Rejected codes never touch the engine.
	for _, bad := range []string{"", "   ", "short", "way-too-long-auth-code-123", "bad!code"} {
		sv, err = f.neg.HandleInput(f.tx.ID, f.seller.ID, bad)
		require.NoError(t, err)
		assert.Equal(t, string(nodeSellerAwaitAuthCode), sv.Cursor)
		assert.Equal(t, inputAuthCode, sv.ExpectedInput)

		cur := f.state(t)
		assert.Equal(t, before.State, cur.State)
		assert.Len(t, cur.History, len(before.History))
	}

	sv, err = f.neg.HandleInput(f.tx.ID, f.seller.ID, "AB12CD34")
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerTransferring), sv.Cursor)
	assert.Equal(t, models.StateTransferInitiated, f.state(t).State)

	f.clk.Advance(d.TransferProgress)
	assert.Equal(t, models.StateTransferInProgress, f.state(t).State)

	f.clk.Advance(d.TransferComplete)
	assert.Equal(t, models.StateTransferCompleted, f.state(t).State)

	sv, err = f.neg.Get(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerAwaitRelease), sv.Cursor)
}

func TestNegotiationCursorReconstruction(t *testing.T) {
	f := newNegFixture(t)

	for _, step := range []models.TransactionState{
		models.StatePaymentPending,
		models.StatePaymentConfirmed,
		models.StateTransferInitiated,
	} {
		_, err := f.eng.Advance(f.tx.ID, step, "")
		require.NoError(t, err)
	}

	// A fresh session derives its position purely from the canonical state.
	sv, err := f.neg.Open(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerTransferring), sv.Cursor)

	bv, err := f.neg.Open(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeBuyerWaitSeller), bv.Cursor)

	// Closing and reopening after further progress lands on the new node.
	f.neg.Close(f.tx.ID, f.buyer.ID)
	_, err = f.eng.Advance(f.tx.ID, models.StateTransferInProgress, "")
	require.NoError(t, err)
	_, err = f.eng.Advance(f.tx.ID, models.StateTransferCompleted, "")
	require.NoError(t, err)

	bv, err = f.neg.Open(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeBuyerRegistryUsername), bv.Cursor)
}

func TestNegotiationInvalidActionIgnored(t *testing.T) {
	f := newNegFixture(t)

	bv, err := f.neg.Open(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)
	msgCount := len(bv.Messages)

	// A seller-side action has no meaning on the buyer's node.
	bv, err = f.neg.HandleAction(f.tx.ID, f.buyer.ID, actionPushDomain)
	require.NoError(t, err)
	assert.Equal(t, string(nodeBuyerAwaitPayment), bv.Cursor)
	assert.Len(t, bv.Messages, msgCount)
	assert.Equal(t, models.StateInitiated, f.state(t).State)
}

func TestNegotiationObserverReadOnly(t *testing.T) {
	f := newNegFixture(t)
	other, err := f.repos.Users.Create("carol", "carol@example.com", "hash", "user")
	require.NoError(t, err)

	ov, err := f.neg.Open(f.tx.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleObserver, ov.Role)
	assert.Equal(t, string(nodeObserver), ov.Cursor)

	ov, err = f.neg.HandleAction(f.tx.ID, other.ID, actionConfirmPayment)
	require.NoError(t, err)
	assert.Equal(t, string(nodeObserver), ov.Cursor)
	assert.Equal(t, models.StateInitiated, f.state(t).State)
}

func TestNegotiationSellerWithoutPayoutMethod(t *testing.T) {
	f := newNegFixture(t)
	d := DefaultScriptDelays()
	require.NoError(t, f.repos.Users.UpdatePaymentMethod(f.seller.ID, ""))

	sv, err := f.neg.Open(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerCheckingPayment), sv.Cursor)

	f.clk.Advance(d.Typing + d.PaymentCheck)
	sv, err = f.neg.Get(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerNoPayment), sv.Cursor)

	// Claiming readiness without actually configuring one is re-checked.
	sv, err = f.neg.HandleAction(f.tx.ID, f.seller.ID, actionPaymentReady)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerNoPayment), sv.Cursor)

	require.NoError(t, f.repos.Users.UpdatePaymentMethod(f.seller.ID, "bank:123"))
	sv, err = f.neg.HandleAction(f.tx.ID, f.seller.ID, actionPaymentReady)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerPaymentReady), sv.Cursor)
}

func TestNegotiationCloseCancelsTimers(t *testing.T) {
	f := newNegFixture(t)

	_, err := f.neg.Open(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)
	_, err = f.neg.HandleAction(f.tx.ID, f.buyer.ID, actionConfirmPayment)
	require.NoError(t, err)

	f.neg.Close(f.tx.ID, f.buyer.ID)
	f.neg.Close(f.tx.ID, f.buyer.ID) // idempotent

	f.clk.Advance(time.Hour)
	assert.Equal(t, models.StateInitiated, f.state(t).State)

	_, err = f.neg.Get(f.tx.ID, f.buyer.ID)
	assert.ErrorIs(t, err, ErrNoSession)
}

// A transition raced from outside the session resynchronizes the script
// instead of failing the conversation.
func TestNegotiationResyncAfterExternalAdvance(t *testing.T) {
	f := newNegFixture(t)
	d := DefaultScriptDelays()

	_, err := f.neg.Open(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)

	_, err = f.neg.HandleAction(f.tx.ID, f.buyer.ID, actionConfirmPayment)
	require.NoError(t, err)

	// The status endpoint beats the bot's verification timer.
	_, err = f.eng.Advance(f.tx.ID, models.StatePaymentPending, "")
	require.NoError(t, err)
	_, err = f.eng.Advance(f.tx.ID, models.StatePaymentConfirmed, "")
	require.NoError(t, err)

	f.clk.Advance(d.Typing + d.PaymentVerify + d.Typing)

	bv, err := f.neg.Get(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeBuyerWaitSeller), bv.Cursor)
	assert.Equal(t, models.StatePaymentConfirmed, f.state(t).State)
	assert.Len(t, f.state(t).History, 3)
}

// Payment lands while the payout-method check is still pending: the session
// moves to the method choice and the stale check timer must not pull it back.
func TestNegotiationPaymentConfirmedDuringPayoutCheck(t *testing.T) {
	f := newNegFixture(t)
	d := DefaultScriptDelays()

	sv, err := f.neg.Open(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerCheckingPayment), sv.Cursor)

	// Another tab drives the payment home before the check fires.
	_, err = f.eng.Advance(f.tx.ID, models.StatePaymentPending, "")
	require.NoError(t, err)
	_, err = f.eng.Advance(f.tx.ID, models.StatePaymentConfirmed, "")
	require.NoError(t, err)

	f.clk.Advance(0)
	sv, err = f.neg.Get(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerChoose), sv.Cursor)

	f.clk.Advance(d.Typing + d.PaymentCheck)
	sv, err = f.neg.Get(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerChoose), sv.Cursor)

	// The transfer options are still on offer.
	sv, err = f.neg.HandleAction(f.tx.ID, f.seller.ID, actionPushDomain)
	require.NoError(t, err)
	assert.Equal(t, string(nodeSellerPushInstr), sv.Cursor)
}

func TestNegotiationFailureReachesBothSessions(t *testing.T) {
	f := newNegFixture(t)
	d := DefaultScriptDelays()

	_, err := f.neg.Open(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)
	_, err = f.neg.Open(f.tx.ID, f.seller.ID)
	require.NoError(t, err)

	_, err = f.eng.Fail(f.tx.ID, "dispute raised")
	require.NoError(t, err)
	f.clk.Advance(d.Typing)

	bv, err := f.neg.Get(f.tx.ID, f.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeFailed), bv.Cursor)
	sv, err := f.neg.Get(f.tx.ID, f.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, string(nodeFailed), sv.Cursor)
}
