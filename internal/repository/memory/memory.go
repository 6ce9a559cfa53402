// Package memory provides in-memory store implementations. They carry the
// reference semantics of the escrow engine (state lives for the lifetime of
// the process) and back the test suite.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dngun/escrow-backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Repositories struct {
	Users        *Users
	Transactions *Transactions
	AuditLogs    *AuditLogs
}

func NewRepositories() Repositories {
	return Repositories{
		Users:        NewUsers(),
		Transactions: NewTransactions(),
		AuditLogs:    NewAuditLogs(),
	}
}

type Users struct {
	mu   sync.RWMutex
	byID map[string]models.User
}

func NewUsers() *Users { return &Users{byID: map[string]models.User{}} }

func (r *Users) Create(username, email, passwordHash, role string) (models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.Email == email {
			return models.User{}, errors.New("email already registered")
		}
	}
	now := time.Now().UTC()
	u := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.byID[u.ID] = u
	return u, nil
}

func (r *Users) GetByID(id string) (models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return models.User{}, errors.New("user not found")
	}
	return u, nil
}

func (r *Users) GetByEmail(email string) (models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, errors.New("user not found")
}

func (r *Users) List() ([]models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.User, 0, len(r.byID))
	for _, u := range r.byID {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *Users) UpdatePaymentMethod(id, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return errors.New("user not found")
	}
	u.PaymentMethod = method
	u.UpdatedAt = time.Now().UTC()
	r.byID[id] = u
	return nil
}

func (r *Users) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}

type Transactions struct {
	mu   sync.RWMutex
	byID map[string]models.Transaction
}

func NewTransactions() *Transactions {
	return &Transactions{byID: map[string]models.Transaction{}}
}

func (r *Transactions) Create(tx models.Transaction) (models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if _, exists := r.byID[tx.ID]; exists {
		return models.Transaction{}, errors.New("transaction id already exists")
	}
	r.byID[tx.ID] = clone(tx)
	return clone(tx), nil
}

func (r *Transactions) GetByID(id string) (models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.byID[id]
	if !ok {
		return models.Transaction{}, &models.TransactionNotFoundError{TransactionID: id}
	}
	return clone(tx), nil
}

func (r *Transactions) ListByUser(userID string, role models.Role, limit, offset int) ([]models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Transaction
	for _, tx := range r.byID {
		switch role {
		case models.RoleBuyer:
			if tx.Buyer.ID != userID {
				continue
			}
		case models.RoleSeller:
			if tx.Seller.ID != userID {
				continue
			}
		default:
			if tx.Buyer.ID != userID && tx.Seller.ID != userID {
				continue
			}
		}
		out = append(out, clone(tx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Transactions) AppendState(id string, state models.TransactionState, entry models.HistoryEntry) (models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.byID[id]
	if !ok {
		return models.Transaction{}, &models.TransactionNotFoundError{TransactionID: id}
	}
	tx = clone(tx)
	tx.State = state
	tx.UpdatedAt = entry.Timestamp
	tx.History = append(tx.History, entry)
	r.byID[id] = clone(tx)
	return tx, nil
}

func (r *Transactions) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

func clone(tx models.Transaction) models.Transaction {
	out := tx
	out.History = append([]models.HistoryEntry(nil), tx.History...)
	return out
}

type AuditLogs struct {
	mu   sync.Mutex
	logs []models.AuditLog
}

func NewAuditLogs() *AuditLogs { return &AuditLogs{} }

func (r *AuditLogs) Create(l models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	r.logs = append(r.logs, l)
	return nil
}

// All returns a copy of every recorded entry, newest last.
func (r *AuditLogs) All() []models.AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AuditLog(nil), r.logs...)
}
