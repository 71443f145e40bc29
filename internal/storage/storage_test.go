package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
	"user_service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofrs/uuid"
	"github.com/jackc/pgconn"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStorageWithMock(t *testing.T) (*PostgresStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db), mock
}

const insertAccountQuery = `(?s)^INSERT\s+INTO\s+accounts\(id,\s*user_id,\s*password_hash,\s*phone_number,\s*created_at\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5\)\s*ON\s+CONFLICT\s+\(user_id\)\s+DO\s+NOTHING\s*RETURNING\s+id;$`

func TestSave_Success(t *testing.T) {
	st, mock := newStorageWithMock(t)

	id := uuid.Must(uuid.NewV4())
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(insertAccountQuery).
		WithArgs(sqlmock.AnyArg(), "alice", "$argon2id$digest", "555-0100", created).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id.String()))

	got, err := st.Save(context.Background(), models.Account{
		UserID:       "alice",
		PasswordHash: "$argon2id$digest",
		PhoneNumber:  "555-0100",
		CreatedAt:    created,
	})
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestSave_ConflictIsAlreadyExists(t *testing.T) {
	st, mock := newStorageWithMock(t)

	mock.ExpectQuery(insertAccountQuery).
		WithArgs(sqlmock.AnyArg(), "alice", "digest", "555-0200", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.Save(context.Background(), models.Account{UserID: "alice", PasswordHash: "digest", PhoneNumber: "555-0200"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestSave_UniqueViolationIsAlreadyExists(t *testing.T) {
	st, mock := newStorageWithMock(t)

	mock.ExpectQuery(insertAccountQuery).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := st.Save(context.Background(), models.Account{UserID: "alice", PasswordHash: "digest"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestSave_DBError(t *testing.T) {
	st, mock := newStorageWithMock(t)

	mock.ExpectQuery(insertAccountQuery).WillReturnError(errors.New("db down"))

	_, err := st.Save(context.Background(), models.Account{UserID: "alice", PasswordHash: "digest"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyExists)
	assert.Contains(t, err.Error(), "storage.Save: db down")
}

const selectAccountQuery = `(?s)^SELECT\s+id,\s*user_id,\s*password_hash,\s*phone_number,\s*created_at\s+FROM\s+accounts\s+WHERE\s+user_id=\$1;$`

func TestFindByUserID_Found(t *testing.T) {
	st, mock := newStorageWithMock(t)

	id := uuid.Must(uuid.NewV4())
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(selectAccountQuery).
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "password_hash", "phone_number", "created_at"}).
			AddRow(id.String(), "bob", "digest", "555-0101", created))

	got, err := st.FindByUserID(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, models.Account{ID: id, UserID: "bob", PasswordHash: "digest", PhoneNumber: "555-0101", CreatedAt: created}, got)
}

func TestFindByUserID_NotFound(t *testing.T) {
	st, mock := newStorageWithMock(t)

	mock.ExpectQuery(selectAccountQuery).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := st.FindByUserID(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExists(t *testing.T) {
	for _, want := range []bool{true, false} {
		st, mock := newStorageWithMock(t)

		mock.ExpectQuery(`(?s)^SELECT\s+EXISTS\(SELECT\s+1\s+FROM\s+accounts\s+WHERE\s+user_id=\$1\);$`).
			WithArgs("carol").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(want))

		got, err := st.Exists(context.Background(), "carol")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRevoke(t *testing.T) {
	st, mock := newStorageWithMock(t)

	exp := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+revoked_tokens\(jti,\s*user_id,\s*expires_at\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3\)\s*ON\s+CONFLICT\s+\(jti\)\s+DO\s+NOTHING;$`).
		WithArgs("jti-1", "carol", exp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.Revoke(context.Background(), "jti-1", "carol", exp))
}

func TestIsRevoked(t *testing.T) {
	st, mock := newStorageWithMock(t)

	mock.ExpectQuery(`(?s)^SELECT\s+EXISTS\(SELECT\s+1\s+FROM\s+revoked_tokens\s+WHERE\s+jti=\$1\);$`).
		WithArgs("jti-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	revoked, err := st.IsRevoked(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestPurgeExpired(t *testing.T) {
	st, mock := newStorageWithMock(t)

	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+revoked_tokens\s+WHERE\s+expires_at\s*<\s*\$1;$`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.PurgeExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestMigrate(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	var gotDir string
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}
	require.NoError(t, Migrate(context.Background(), db))
	assert.Equal(t, "migrations", gotDir)

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	err = Migrate(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.Migrate: boom")
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
