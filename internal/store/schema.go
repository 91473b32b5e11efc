package store

import (
	"context"
	"database/sql"
)

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS avito_shops (
	id                 BIGINT NOT NULL AUTO_INCREMENT,
	name               VARCHAR(255) NOT NULL,
	account_id         BIGINT NOT NULL DEFAULT 0,
	client_id          VARCHAR(128) NOT NULL DEFAULT '',
	client_secret      VARCHAR(128) NOT NULL DEFAULT '',
	is_active          TINYINT(1) NOT NULL DEFAULT 1,
	webhook_registered TINYINT(1) NOT NULL DEFAULT 0,
	token_status       VARCHAR(32) NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (id),
	KEY idx_shops_account (account_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS avito_chats (
	id            BIGINT NOT NULL AUTO_INCREMENT,
	shop_id       BIGINT NOT NULL,
	remote_id     VARCHAR(191) NOT NULL,
	client_name   VARCHAR(255) NOT NULL DEFAULT '',
	customer_id   VARCHAR(64) NOT NULL DEFAULT '',
	product_url   TEXT NULL,
	listing_data  MEDIUMTEXT NULL,
	last_message  TEXT NOT NULL,
	priority      VARCHAR(16) NOT NULL DEFAULT 'new',
	status        VARCHAR(16) NOT NULL DEFAULT 'active',
	unread_count  INT NOT NULL DEFAULT 0,
	timer_mins    INT NOT NULL DEFAULT 0,
	assigned_to   BIGINT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	PRIMARY KEY (id),
	UNIQUE KEY uq_chats_shop_remote (shop_id, remote_id),
	KEY idx_chats_status (status),
	KEY idx_chats_assigned (assigned_to)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS avito_messages (
	id          BIGINT NOT NULL AUTO_INCREMENT,
	chat_id     BIGINT NOT NULL,
	message     TEXT NOT NULL,
	direction   VARCHAR(16) NOT NULL DEFAULT 'incoming',
	sender_name VARCHAR(255) NOT NULL DEFAULT '',
	manager_id  BIGINT NULL,
	ts          DATETIME NOT NULL,
	PRIMARY KEY (id),
	KEY idx_messages_chat_ts (chat_id, ts)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the schema if absent. Statements are idempotent so the
// service can run it on every start, matching how operators deploy it.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
