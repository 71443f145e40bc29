package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"user_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"
)

const (
	accountsTable      = "accounts"
	revokedTokensTable = "revoked_tokens"

	uniqueViolationCode = "23505"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

type Storage interface {
	// Accounts
	FindByUserID(ctx context.Context, userID string) (models.Account, error)
	Save(ctx context.Context, account models.Account) (uuid.UUID, error)
	Exists(ctx context.Context, userID string) (bool, error)

	// Revoked refresh tokens
	Revoke(ctx context.Context, tokenID, userID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

type PostgresStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgresStorage)(nil)

func NewPostgresStorage(ctx context.Context, dbURL string, maxOpenConns int) (*PostgresStorage, error) {
	const op = "storage.NewPostgresStorage"

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return New(db), nil
}

func New(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (p *PostgresStorage) DB() *sql.DB {
	return p.db
}

// Save inserts the account unless its user id is taken. The conflict check
// and the insert are one statement, so concurrent registrations of the same
// user id cannot both succeed.
func (p *PostgresStorage) Save(ctx context.Context, account models.Account) (uuid.UUID, error) {
	const op = "storage.Save"

	if account.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return uuid.Nil, fmt.Errorf("%s: %w", op, err)
		}
		account.ID = id
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`INSERT INTO %s(id, user_id, password_hash, phone_number, created_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (user_id) DO NOTHING
	RETURNING id;`, accountsTable)

	var id uuid.UUID
	err := p.db.QueryRowContext(ctx, query,
		account.ID,
		account.UserID,
		account.PasswordHash,
		account.PhoneNumber,
		account.CreatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("%s: %w", op, ErrAlreadyExists)
		}
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (p *PostgresStorage) FindByUserID(ctx context.Context, userID string) (models.Account, error) {
	const op = "storage.FindByUserID"

	var account models.Account
	query := fmt.Sprintf("SELECT id, user_id, password_hash, phone_number, created_at FROM %s WHERE user_id=$1;", accountsTable)

	err := p.db.QueryRowContext(ctx, query, userID).Scan(
		&account.ID,
		&account.UserID,
		&account.PasswordHash,
		&account.PhoneNumber,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Account{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}

	return account, nil
}

func (p *PostgresStorage) Exists(ctx context.Context, userID string) (bool, error) {
	const op = "storage.Exists"

	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE user_id=$1);", accountsTable)

	if err := p.db.QueryRowContext(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return exists, nil
}

func (p *PostgresStorage) Revoke(ctx context.Context, tokenID, userID string, expiresAt time.Time) error {
	const op = "storage.Revoke"

	query := fmt.Sprintf(`INSERT INTO %s(jti, user_id, expires_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (jti) DO NOTHING;`, revokedTokensTable)

	if _, err := p.db.ExecContext(ctx, query, tokenID, userID, expiresAt.UTC()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	const op = "storage.IsRevoked"

	var revoked bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE jti=$1);", revokedTokensTable)

	if err := p.db.QueryRowContext(ctx, query, tokenID).Scan(&revoked); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return revoked, nil
}

// PurgeExpired drops revocations whose token would be rejected by expiry anyway.
func (p *PostgresStorage) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.PurgeExpired"

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < $1;", revokedTokensTable)

	res, err := p.db.ExecContext(ctx, query, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s (rows): %w", op, err)
	}

	return n, nil
}

func (p *PostgresStorage) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStorage) Close() error {
	return p.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
