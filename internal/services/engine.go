package services

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dngun/escrow-backend/internal/api/validate"
	"github.com/dngun/escrow-backend/internal/clock"
	"github.com/dngun/escrow-backend/internal/metrics"
	"github.com/dngun/escrow-backend/internal/models"
	repo "github.com/dngun/escrow-backend/internal/repository"
	"github.com/dngun/escrow-backend/internal/worker"
)

// StateUpdate is the payload delivered to subscribers on every accepted
// transition.
type StateUpdate struct {
	State     models.TransactionState `json:"state"`
	Details   string                  `json:"details"`
	Timestamp time.Time               `json:"timestamp"`
}

type Subscriber func(StateUpdate)

type EngineConfig struct {
	EscrowFeeBps      int64
	TransactionFeeBps int64
	// AutoAdvanceDelay is the delay before a new transaction moves to
	// payment_pending on its own. Zero disables the auto-advance.
	AutoAdvanceDelay time.Duration
}

// TransactionEngine owns the canonical transaction state graph. All
// mutation goes through Advance, which is atomic per transaction id.
type TransactionEngine struct {
	store repo.Transactions
	audit repo.AuditLogs
	wp    *worker.Pool
	clk   clock.Clock
	log   *slog.Logger
	cfg   EngineConfig

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	subs    map[string]map[int]Subscriber
	nextSub int

	idem sync.Map // Idempotency-Key -> transaction id
}

func NewTransactionEngine(store repo.Transactions, audit repo.AuditLogs, wp *worker.Pool, clk clock.Clock, log *slog.Logger, cfg EngineConfig) *TransactionEngine {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &TransactionEngine{
		store: store,
		audit: audit,
		wp:    wp,
		clk:   clk,
		log:   log,
		cfg:   cfg,
		locks: map[string]*sync.Mutex{},
		subs:  map[string]map[int]Subscriber{},
	}
}

type CreateParams struct {
	DomainName    string
	Extension     string
	Buyer         models.Party
	Seller        models.Party
	Amount        int64
	PaymentMethod models.PaymentMethod
}

func (p CreateParams) validate() error {
	var errs validate.Errs
	if e := validate.Required("domain_name", p.DomainName); e != nil {
		errs = append(errs, *e)
	}
	if e := validate.Required("buyer.id", p.Buyer.ID); e != nil {
		errs = append(errs, *e)
	}
	if e := validate.Required("seller.id", p.Seller.ID); e != nil {
		errs = append(errs, *e)
	}
	if e := validate.MinInt("amount", p.Amount, 1); e != nil {
		errs = append(errs, *e)
	}
	if p.Buyer.ID != "" && p.Buyer.ID == p.Seller.ID {
		errs = append(errs, validate.ErrField{Field: "buyer.id", Msg: "buyer and seller must differ"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Create persists a new transaction in the initiated state. When the engine
// is configured with an auto-advance delay it later moves the transaction to
// payment_pending on its own; callers can instead drive that step through
// Advance.
func (e *TransactionEngine) Create(p CreateParams, idemKey string) (models.Transaction, error) {
	if err := p.validate(); err != nil {
		return models.Transaction{}, err
	}

	if idemKey != "" {
		if v, ok := e.idem.Load(idemKey); ok {
			return e.store.GetByID(v.(string))
		}
	}

	now := e.clk.Now().UTC()
	tx := models.Transaction{
		DomainName:     p.DomainName,
		Extension:      p.Extension,
		Buyer:          p.Buyer,
		Seller:         p.Seller,
		Amount:         p.Amount,
		EscrowFee:      p.Amount * e.cfg.EscrowFeeBps / 10000,
		TransactionFee: p.Amount * e.cfg.TransactionFeeBps / 10000,
		PaymentMethod:  p.PaymentMethod,
		State:          models.StateInitiated,
		History: []models.HistoryEntry{
			{State: models.StateInitiated, Details: "Transaction initiated", Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.store.Create(tx)
	if err != nil {
		return models.Transaction{}, err
	}
	if idemKey != "" {
		e.idem.Store(idemKey, tx.ID)
	}

	e.auditLog(tx.ID, "created", "transaction initiated")
	metrics.TransitionsTotal.WithLabelValues(string(models.StateInitiated)).Inc()
	e.notify(tx.ID, StateUpdate{State: models.StateInitiated, Details: "Transaction initiated", Timestamp: now})

	if e.cfg.AutoAdvanceDelay > 0 {
		id := tx.ID
		e.clk.AfterFunc(e.cfg.AutoAdvanceDelay, func() {
			if _, err := e.Advance(id, models.StatePaymentPending, "Waiting for payment confirmation"); err != nil {
				e.log.Warn("auto-advance", "transaction", id, "err", err)
			}
		})
	}
	return tx, nil
}

// Advance moves the transaction to nextState after checking the transition
// is legal. The new state is persisted before subscribers are notified.
func (e *TransactionEngine) Advance(id string, nextState models.TransactionState, details string) (models.Transaction, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.store.GetByID(id)
	if err != nil {
		return models.Transaction{}, err
	}
	if !tx.State.CanAdvanceTo(nextState) {
		metrics.TransitionsRejected.Inc()
		return models.Transaction{}, &models.InvalidTransitionError{TransactionID: id, From: tx.State, To: nextState}
	}

	entry := models.HistoryEntry{State: nextState, Details: details, Timestamp: e.clk.Now().UTC()}
	updated, err := e.store.AppendState(id, nextState, entry)
	if err != nil {
		return models.Transaction{}, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(nextState)).Inc()
	e.auditLog(id, "state_change", string(nextState)+": "+details)
	e.notify(id, StateUpdate{State: nextState, Details: details, Timestamp: entry.Timestamp})
	return updated, nil
}

// Fail moves the transaction to the failed terminal state.
func (e *TransactionEngine) Fail(id, details string) (models.Transaction, error) {
	return e.Advance(id, models.StateFailed, details)
}

func (e *TransactionEngine) Get(id string) (models.Transaction, error) {
	return e.store.GetByID(id)
}

func (e *TransactionEngine) ListForUser(userID string, role models.Role, limit, offset int) ([]models.Transaction, error) {
	return e.store.ListByUser(userID, role, limit, offset)
}

// Subscribe registers fn for every subsequent transition of the transaction.
// The returned unsubscribe func is idempotent.
func (e *TransactionEngine) Subscribe(id string, fn Subscriber) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs[id] == nil {
		e.subs[id] = map[int]Subscriber{}
	}
	e.nextSub++
	token := e.nextSub
	e.subs[id][token] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if m, ok := e.subs[id]; ok {
			delete(m, token)
			if len(m) == 0 {
				delete(e.subs, id)
			}
		}
	}
}

// notify delivers the update to every subscriber. A panicking subscriber is
// logged and never prevents delivery to the others.
func (e *TransactionEngine) notify(id string, u StateUpdate) {
	e.mu.Lock()
	fns := make([]Subscriber, 0, len(e.subs[id]))
	for _, fn := range e.subs[id] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					metrics.SubscriberFailures.Inc()
					e.log.Error("subscriber panic", "transaction", id, "err", rec)
				}
			}()
			fn(u)
		}()
	}
}

func (e *TransactionEngine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[id] = l
	return l
}

func (e *TransactionEngine) auditLog(entityID, action, details string) {
	if e.audit == nil {
		return
	}
	var det map[string]any
	if details != "" {
		det = map[string]any{"message": details}
	}
	l := models.AuditLog{
		EntityType: "transaction",
		EntityID:   &entityID,
		Action:     action,
		Details:    det,
	}
	if e.wp != nil {
		e.wp.Submit(func() {
			if err := e.audit.Create(l); err != nil {
				e.log.Warn("audit write", "err", err)
			}
		})
		return
	}
	_ = e.audit.Create(l)
}

// IsInvalidTransition reports whether err is a rejected transition.
func IsInvalidTransition(err error) bool {
	var ite *models.InvalidTransitionError
	return errors.As(err, &ite)
}

// IsNotFound reports whether err is an unknown transaction id.
func IsNotFound(err error) bool {
	var nfe *models.TransactionNotFoundError
	return errors.As(err, &nfe)
}
