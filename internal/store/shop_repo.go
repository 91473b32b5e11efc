package store

import (
	"context"
	"database/sql"
)

type ShopRepo struct {
	db *sql.DB
}

func NewShopRepo(db *sql.DB) *ShopRepo { return &ShopRepo{db: db} }

const shopColumns = `id, name, account_id, client_id, client_secret, is_active, webhook_registered, token_status, created_at`

func scanShop(row interface{ Scan(...any) error }) (*Shop, error) {
	var s Shop
	if err := row.Scan(&s.ID, &s.Name, &s.AccountID, &s.ClientID, &s.ClientSecret,
		&s.Active, &s.WebhookRegistered, &s.TokenStatus, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListActive returns shops eligible for synchronization: active with
// credentials and a remote account id present.
func (r *ShopRepo) ListActive(ctx context.Context) ([]Shop, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+shopColumns+`
FROM avito_shops
WHERE is_active = 1 AND client_id <> '' AND account_id <> 0
ORDER BY id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Shop
	for rows.Next() {
		s, err := scanShop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *ShopRepo) GetByID(ctx context.Context, id int64) (*Shop, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+shopColumns+` FROM avito_shops WHERE id = ?`, id)
	s, err := scanShop(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *ShopRepo) GetByAccountID(ctx context.Context, accountID int64) (*Shop, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+shopColumns+` FROM avito_shops WHERE account_id = ? LIMIT 1`, accountID)
	s, err := scanShop(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *ShopRepo) Insert(ctx context.Context, s *Shop) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO avito_shops (name, account_id, client_id, client_secret, is_active, webhook_registered, token_status)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, s.Name, s.AccountID, s.ClientID, s.ClientSecret, s.Active, s.WebhookRegistered, s.TokenStatus)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *ShopRepo) SetTokenStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE avito_shops SET token_status = ? WHERE id = ?`, status, id)
	return err
}

func (r *ShopRepo) SetWebhookRegistered(ctx context.Context, id int64, registered bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE avito_shops SET webhook_registered = ? WHERE id = ?`, registered, id)
	return err
}

// UpdateCredentials rotates OAuth keys and resets the token status; the
// remote client caches tokens per credentials pair, so no other invalidation
// is needed.
func (r *ShopRepo) UpdateCredentials(ctx context.Context, id int64, clientID, clientSecret string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE avito_shops SET client_id = ?, client_secret = ?, token_status = '' WHERE id = ?
`, clientID, clientSecret, id)
	return err
}

func (r *ShopRepo) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE avito_shops SET is_active = ? WHERE id = ?`, active, id)
	return err
}
