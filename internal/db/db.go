package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

type Options struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
	ConnMaxIdle  time.Duration
	PingTimeout  time.Duration
	PingRetries  int
}

type MySQL struct {
	DB *sql.DB
}

// Open dials MySQL and verifies the connection. The ping is retried a bounded
// number of times so a briefly unavailable store does not kill startup; once
// the retries are spent the error is terminal.
func Open(opt Options) (*MySQL, error) {
	if opt.MaxOpenConns <= 0 {
		opt.MaxOpenConns = 25
	}
	if opt.MaxIdleConns <= 0 {
		opt.MaxIdleConns = 10
	}
	if opt.ConnMaxLife == 0 {
		opt.ConnMaxLife = 30 * time.Minute
	}
	if opt.ConnMaxIdle == 0 {
		opt.ConnMaxIdle = 5 * time.Minute
	}
	if opt.PingTimeout == 0 {
		opt.PingTimeout = 2 * time.Second
	}
	if opt.PingRetries <= 0 {
		opt.PingRetries = 3
	}

	d, err := sql.Open("mysql", opt.DSN)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(opt.MaxOpenConns)
	d.SetMaxIdleConns(opt.MaxIdleConns)
	d.SetConnMaxLifetime(opt.ConnMaxLife)
	d.SetConnMaxIdleTime(opt.ConnMaxIdle)

	var pingErr error
	for attempt := 0; attempt < opt.PingRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), opt.PingTimeout)
		pingErr = d.PingContext(ctx)
		cancel()
		if pingErr == nil {
			return &MySQL{DB: d}, nil
		}
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	_ = d.Close()
	return nil, pingErr
}

func (m *MySQL) Close() error {
	if m == nil || m.DB == nil {
		return nil
	}
	return m.DB.Close()
}
