package postgres

import (
	"context"

	"github.com/dngun/escrow-backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type usersRepo struct{ pool *pgxpool.Pool }

const userColumns = `id, username, email, password_hash, role, COALESCE(payment_method,''), created_at, updated_at`

func (r *usersRepo) Create(username, email, hash, role string) (models.User, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(context.Background(),
		`INSERT INTO users(id, username, email, password_hash, role) VALUES($1,$2,$3,$4,$5)`,
		id, username, email, hash, role,
	)
	if err != nil {
		return models.User{}, err
	}
	return r.GetByID(id)
}

func (r *usersRepo) GetByID(id string) (models.User, error) {
	return r.scanOne(`SELECT `+userColumns+` FROM users WHERE id=$1`, id)
}

func (r *usersRepo) GetByEmail(email string) (models.User, error) {
	return r.scanOne(`SELECT `+userColumns+` FROM users WHERE email=$1`, email)
}

func (r *usersRepo) scanOne(q string, args ...any) (models.User, error) {
	var u models.User
	err := r.pool.QueryRow(context.Background(), q, args...).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.PaymentMethod, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func (r *usersRepo) List() ([]models.User, error) {
	rows, err := r.pool.Query(context.Background(),
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT 100`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.PaymentMethod, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *usersRepo) UpdatePaymentMethod(id, method string) error {
	_, err := r.pool.Exec(context.Background(),
		`UPDATE users SET payment_method=$2, updated_at=now() WHERE id=$1`,
		id, method,
	)
	return err
}

func (r *usersRepo) Delete(id string) error {
	_, err := r.pool.Exec(context.Background(), `DELETE FROM users WHERE id=$1`, id)
	return err
}
