package store

import (
	"context"
	"database/sql"
	"time"
)

type ChatRepo struct {
	db *sql.DB
}

func NewChatRepo(db *sql.DB) *ChatRepo { return &ChatRepo{db: db} }

const chatColumns = `id, shop_id, remote_id, client_name, customer_id, product_url, listing_data,
last_message, priority, status, unread_count, timer_mins, assigned_to, created_at, updated_at`

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var c Chat
	if err := row.Scan(&c.ID, &c.ShopID, &c.RemoteID, &c.ClientName, &c.CustomerID,
		&c.ProductURL, &c.ListingData, &c.LastMessage, &c.Priority, &c.Status,
		&c.UnreadCount, &c.TimerMins, &c.AssignedTo, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ChatRepo) GetByID(ctx context.Context, id int64) (*Chat, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM avito_chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (r *ChatRepo) GetByShopAndRemoteID(ctx context.Context, shopID int64, remoteID string) (*Chat, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+chatColumns+` FROM avito_chats WHERE shop_id = ? AND remote_id = ?
`, shopID, remoteID)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetByRemoteID looks a chat up by remote id alone. Used as a fallback when
// the shop association has drifted (credentials moved between shop rows).
func (r *ChatRepo) GetByRemoteID(ctx context.Context, remoteID string) (*Chat, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+chatColumns+` FROM avito_chats WHERE remote_id = ? LIMIT 1
`, remoteID)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (r *ChatRepo) Insert(ctx context.Context, c *Chat) (int64, error) {
	if c.Priority == "" {
		c.Priority = "new"
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO avito_chats
(shop_id, remote_id, client_name, customer_id, product_url, listing_data, last_message, priority, status, unread_count, timer_mins, assigned_to)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, c.ShopID, c.RemoteID, c.ClientName, c.CustomerID, c.ProductURL, c.ListingData,
		c.LastMessage, c.Priority, c.Status, c.UnreadCount, c.TimerMins, c.AssignedTo)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateSummary refreshes the fields a chat-list pass re-derives. Empty
// product URL / listing snapshot keep the stored value, so a summary that
// omits the listing context does not wipe an earlier detail-call result.
func (r *ChatRepo) UpdateSummary(ctx context.Context, id int64, u ChatUpsert) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE avito_chats
SET client_name = ?, customer_id = ?, last_message = ?, unread_count = ?,
    product_url = COALESCE(NULLIF(?, ''), product_url),
    listing_data = COALESCE(NULLIF(?, ''), listing_data),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?
`, u.ClientName, u.CustomerID, u.LastMessage, u.UnreadCount, u.ProductURL, u.ListingData, id)
	return err
}

func (r *ChatRepo) UpdateTimer(ctx context.Context, id int64, minutes int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE avito_chats SET timer_mins = ? WHERE id = ?`, minutes, id)
	return err
}

// Reopen flips a completed chat back to active. Returns whether the row was
// actually in completed state; the guard keeps it the only sync-driven status
// transition.
func (r *ChatRepo) Reopen(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE avito_chats SET status = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = ?
`, StatusActive, id, StatusCompleted)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *ChatRepo) SetStatus(ctx context.Context, id int64, status ChatStatus) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE avito_chats SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
`, status, id)
	return err
}

// Assign takes a chat from the pool. The WHERE guard makes concurrent takes
// lose cleanly instead of stealing.
func (r *ChatRepo) Assign(ctx context.Context, id, managerID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE avito_chats SET assigned_to = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND assigned_to IS NULL AND status NOT IN (?, ?)
`, managerID, id, StatusCompleted, StatusBlocked)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *ChatRepo) Unassign(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE avito_chats SET assigned_to = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?
`, id)
	return err
}

// MarkAnswered records an outbound send: preview, zeroed unread and timer.
func (r *ChatRepo) MarkAnswered(ctx context.Context, id int64, preview string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE avito_chats
SET last_message = ?, unread_count = 0, timer_mins = 0, updated_at = CURRENT_TIMESTAMP
WHERE id = ?
`, preview, id)
	return err
}

// RefreshDerived rewrites the fields computed from the stored message set.
func (r *ChatRepo) RefreshDerived(ctx context.Context, id int64, preview string, unread int, lastActivity time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE avito_chats SET last_message = ?, unread_count = ?, updated_at = ? WHERE id = ?
`, preview, unread, lastActivity.UTC(), id)
	return err
}

// ListOpen returns chats that are neither completed nor blocked, for the
// timer-refresh and auto-complete sweeps.
func (r *ChatRepo) ListOpen(ctx context.Context) ([]Chat, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+chatColumns+` FROM avito_chats WHERE status NOT IN (?, ?) ORDER BY id ASC
`, StatusCompleted, StatusBlocked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
