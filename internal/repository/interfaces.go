package repository

import (
	"context"

	"github.com/dngun/escrow-backend/internal/models"
	"github.com/jackc/pgx/v5"
)

type Users interface {
	Create(username, email, passwordHash, role string) (models.User, error)
	GetByID(id string) (models.User, error)
	GetByEmail(email string) (models.User, error)
	List() ([]models.User, error)
	UpdatePaymentMethod(id, method string) error
	Delete(id string) error
}

type Transactions interface {
	Create(tx models.Transaction) (models.Transaction, error)
	GetByID(id string) (models.Transaction, error)
	ListByUser(userID string, role models.Role, limit, offset int) ([]models.Transaction, error)

	// AppendState sets the transaction's state, refreshes updated_at from the
	// entry timestamp and appends the entry to the history, atomically.
	AppendState(id string, state models.TransactionState, entry models.HistoryEntry) (models.Transaction, error)

	// WithTx runs fn inside a single database transaction (pgx.Tx). Memory
	// implementations run fn with a nil Tx.
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

type AuditLogs interface {
	Create(l models.AuditLog) error
}
