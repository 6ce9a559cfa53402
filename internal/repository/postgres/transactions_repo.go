package postgres

import (
	"context"

	"github.com/dngun/escrow-backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type transactionsRepo struct{ pool *pgxpool.Pool }

const txColumns = `id, domain_name, extension,
  buyer_id, buyer_name, buyer_email,
  seller_id, seller_name, seller_email,
  amount, escrow_fee, transaction_fee, payment_method, state,
  created_at, updated_at`

func (r *transactionsRepo) Create(tx models.Transaction) (models.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	ctx := context.Background()
	err := r.WithTx(ctx, func(dbtx pgx.Tx) error {
		_, err := dbtx.Exec(ctx, `
INSERT INTO transactions (`+txColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			tx.ID, tx.DomainName, tx.Extension,
			tx.Buyer.ID, tx.Buyer.DisplayName, tx.Buyer.Email,
			tx.Seller.ID, tx.Seller.DisplayName, tx.Seller.Email,
			tx.Amount, tx.EscrowFee, tx.TransactionFee, tx.PaymentMethod, tx.State,
			tx.CreatedAt, tx.UpdatedAt,
		)
		if err != nil {
			return err
		}
		for _, h := range tx.History {
			if err := insertHistory(ctx, dbtx, tx.ID, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Transaction{}, err
	}
	return tx, nil
}

func insertHistory(ctx context.Context, dbtx pgx.Tx, txID string, h models.HistoryEntry) error {
	_, err := dbtx.Exec(ctx, `
INSERT INTO transaction_history (transaction_id, state, details, created_at)
VALUES ($1,$2,$3,$4)`,
		txID, h.State, h.Details, h.Timestamp,
	)
	return err
}

func (r *transactionsRepo) GetByID(id string) (models.Transaction, error) {
	ctx := context.Background()
	tx, err := r.scanOne(ctx, `SELECT `+txColumns+` FROM transactions WHERE id=$1`, id)
	if err == pgx.ErrNoRows {
		return models.Transaction{}, &models.TransactionNotFoundError{TransactionID: id}
	}
	if err != nil {
		return models.Transaction{}, err
	}
	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return models.Transaction{}, err
	}
	tx.History = history
	return tx, nil
}

func (r *transactionsRepo) scanOne(ctx context.Context, q string, args ...any) (models.Transaction, error) {
	var tx models.Transaction
	err := r.pool.QueryRow(ctx, q, args...).Scan(
		&tx.ID, &tx.DomainName, &tx.Extension,
		&tx.Buyer.ID, &tx.Buyer.DisplayName, &tx.Buyer.Email,
		&tx.Seller.ID, &tx.Seller.DisplayName, &tx.Seller.Email,
		&tx.Amount, &tx.EscrowFee, &tx.TransactionFee, &tx.PaymentMethod, &tx.State,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	return tx, err
}

func (r *transactionsRepo) loadHistory(ctx context.Context, id string) ([]models.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
SELECT state, details, created_at
  FROM transaction_history
 WHERE transaction_id=$1
 ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var h models.HistoryEntry
		if err := rows.Scan(&h.State, &h.Details, &h.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *transactionsRepo) ListByUser(userID string, role models.Role, limit, offset int) ([]models.Transaction, error) {
	ctx := context.Background()
	cond := `(buyer_id=$1 OR seller_id=$1)`
	switch role {
	case models.RoleBuyer:
		cond = `buyer_id=$1`
	case models.RoleSeller:
		cond = `seller_id=$1`
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+txColumns+`
  FROM transactions
 WHERE `+cond+`
 ORDER BY created_at DESC
 LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(
			&tx.ID, &tx.DomainName, &tx.Extension,
			&tx.Buyer.ID, &tx.Buyer.DisplayName, &tx.Buyer.Email,
			&tx.Seller.ID, &tx.Seller.DisplayName, &tx.Seller.Email,
			&tx.Amount, &tx.EscrowFee, &tx.TransactionFee, &tx.PaymentMethod, &tx.State,
			&tx.CreatedAt, &tx.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		history, err := r.loadHistory(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].History = history
	}
	return out, nil
}

func (r *transactionsRepo) AppendState(id string, state models.TransactionState, entry models.HistoryEntry) (models.Transaction, error) {
	ctx := context.Background()
	err := r.WithTx(ctx, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx,
			`UPDATE transactions SET state=$2, updated_at=$3 WHERE id=$1`,
			id, state, entry.Timestamp,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &models.TransactionNotFoundError{TransactionID: id}
		}
		return insertHistory(ctx, dbtx, id, entry)
	})
	if err != nil {
		return models.Transaction{}, err
	}
	return r.GetByID(id)
}

func (r *transactionsRepo) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	dbtx, err := r.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	if err := fn(dbtx); err != nil {
		_ = dbtx.Rollback(ctx)
		return err
	}
	return dbtx.Commit(ctx)
}
