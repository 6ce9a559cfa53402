package models

import (
	"fmt"
	"time"
)

type TransactionState string

const (
	StateInitiated          TransactionState = "initiated"
	StatePaymentPending     TransactionState = "payment_pending"
	StatePaymentConfirmed   TransactionState = "payment_confirmed"
	StateTransferInitiated  TransactionState = "transfer_initiated"
	StateTransferInProgress TransactionState = "transfer_in_progress"
	StateTransferCompleted  TransactionState = "transfer_completed"
	StateCompleted          TransactionState = "completed"
	StateFailed             TransactionState = "failed"
)

// StateChain is the canonical forward progression of a transaction.
// StateFailed is reachable from any non-terminal state and is not part of
// the chain itself.
var StateChain = []TransactionState{
	StateInitiated,
	StatePaymentPending,
	StatePaymentConfirmed,
	StateTransferInitiated,
	StateTransferInProgress,
	StateTransferCompleted,
	StateCompleted,
}

func (s TransactionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Next returns the state immediately following s in the chain, or "" when
// there is none.
func (s TransactionState) Next() TransactionState {
	for i, st := range StateChain {
		if st == s && i+1 < len(StateChain) {
			return StateChain[i+1]
		}
	}
	return ""
}

// CanAdvanceTo reports whether s -> next is legal: one step forward along
// the chain, or to failed from any non-terminal state.
func (s TransactionState) CanAdvanceTo(next TransactionState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	return s.Next() == next
}

type PaymentMethod string

const (
	PayEscrowTransfer PaymentMethod = "escrow_transfer"
	PayCreditCard     PaymentMethod = "credit_card"
)

// Party is a snapshot of the buyer or seller taken when the transaction was
// created; the live user record stays external.
type Party struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type HistoryEntry struct {
	State     TransactionState `json:"state"`
	Details   string           `json:"details"`
	Timestamp time.Time        `json:"timestamp"`
}

// Transaction is the unit of work for one domain sale. All amounts are
// integer minor units (cents).
type Transaction struct {
	ID             string           `json:"id"`
	DomainName     string           `json:"domain_name"`
	Extension      string           `json:"extension"`
	Buyer          Party            `json:"buyer"`
	Seller         Party            `json:"seller"`
	Amount         int64            `json:"amount"`
	EscrowFee      int64            `json:"escrow_fee"`
	TransactionFee int64            `json:"transaction_fee"`
	PaymentMethod  PaymentMethod    `json:"payment_method"`
	State          TransactionState `json:"state"`
	History        []HistoryEntry   `json:"history"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleSeller   Role = "seller"
	RoleObserver Role = "observer"
)

// UserRole derives the viewer's role on a transaction. Components use this
// instead of comparing ids ad hoc.
func UserRole(tx Transaction, userID string) Role {
	switch userID {
	case tx.Buyer.ID:
		return RoleBuyer
	case tx.Seller.ID:
		return RoleSeller
	default:
		return RoleObserver
	}
}

type InvalidTransitionError struct {
	TransactionID string
	From, To      TransactionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transaction %s: illegal transition %s -> %s", e.TransactionID, e.From, e.To)
}

type TransactionNotFoundError struct {
	TransactionID string
}

func (e *TransactionNotFoundError) Error() string {
	return fmt.Sprintf("transaction %s not found", e.TransactionID)
}
