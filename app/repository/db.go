package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the ledger database for driver and verifies the connection.
func Open(ctx context.Context, driver, dsn string, pool PoolConfig) (*sql.DB, error) {
	driver = strings.TrimSpace(driver)
	switch driver {
	case DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		if pool.MaxOpenConns > 0 {
			db.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.MaxIdleConns > 0 {
			db.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Store groups the ledger repositories over one connection or transaction.
type Store struct {
	beginner txBeginner

	Payments      *PaymentRepository
	Events        *PaymentEventRepository
	Callbacks     *PaymentCallbackRepository
	WebhookEvents *WebhookEventRepository
}

func NewStore(db *sql.DB) *Store {
	store := newStore(db)
	store.beginner = db
	return store
}

func newStore(db DBTX) *Store {
	return &Store{
		Payments:      NewPaymentRepository(db),
		Events:        NewPaymentEventRepository(db),
		Callbacks:     NewPaymentCallbackRepository(db),
		WebhookEvents: NewWebhookEventRepository(db),
	}
}

// WithinTx runs fn against a transaction-bound store. Nested calls reuse the open transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.beginner == nil {
		return fn(s)
	}

	tx, err := s.beginner.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(newStore(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// AppendRefund records refund and moves the payment's refunded total in one transaction.
func (s *Store) AppendRefund(ctx context.Context, payment *entity.Payment, refund *entity.Refund, at time.Time) error {
	return s.WithinTx(ctx, func(tx *Store) error {
		return tx.Payments.appendRefund(ctx, payment, refund, at)
	})
}
