package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/identity-service/internal/domain"
)

// SQLSTATE codes surfaced as ErrConflict.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

const accountColumns = `id, display_name, email, phone, password_hash, role, state, visibility, profile, created_at`

// PostgresAccountStore runs every transaction at SERIALIZABLE isolation and
// locks single-account reads with SELECT ... FOR UPDATE.
type PostgresAccountStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAccountStore returns a Postgres-backed AccountStore.
func NewPostgresAccountStore(pool *pgxpool.Pool) *PostgresAccountStore {
	return &PostgresAccountStore{pool: pool}
}

// RunInTx implements AccountStore.
func (s *PostgresAccountStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx AccountTx) error) (err error) {
	if s.pool == nil {
		return errors.New("postgres account store: no pool configured")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapPgError(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(ctx, &pgAccountTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

// Close implements AccountStore. The pool is owned by persistence.Postgres.
func (s *PostgresAccountStore) Close() error {
	return nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

type pgAccountTx struct {
	tx pgx.Tx
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	if err := row.Scan(
		&acc.ID,
		&acc.DisplayName,
		&acc.Email,
		&acc.Phone,
		&acc.PasswordHash,
		&acc.Role,
		&acc.State,
		&acc.Visibility,
		&acc.Profile,
		&acc.CreatedAt,
	); err != nil {
		return nil, mapPgError(err)
	}
	return &acc, nil
}

func (t *pgAccountTx) Get(ctx context.Context, id string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id=$1 FOR UPDATE`
	return scanAccount(t.tx.QueryRow(ctx, query, id))
}

func (t *pgAccountTx) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email=$1 FOR UPDATE`
	return scanAccount(t.tx.QueryRow(ctx, query, domain.NormalizeEmail(email)))
}

func (t *pgAccountTx) Insert(ctx context.Context, account *domain.Account) error {
	const query = `
        INSERT INTO accounts (id, display_name, email, phone, password_hash, role, state, visibility, profile, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := t.tx.Exec(ctx, query,
		account.ID,
		account.DisplayName,
		domain.NormalizeEmail(account.Email),
		account.Phone,
		account.PasswordHash,
		account.Role,
		account.State,
		account.Visibility,
		account.Profile,
		account.CreatedAt,
	)
	return mapPgError(err)
}

func (t *pgAccountTx) Update(ctx context.Context, account *domain.Account) error {
	const query = `
        UPDATE accounts SET display_name=$1, email=$2, phone=$3, password_hash=$4, role=$5,
               state=$6, visibility=$7, profile=$8, updated_at=NOW()
        WHERE id=$9`
	cmd, err := t.tx.Exec(ctx, query,
		account.DisplayName,
		domain.NormalizeEmail(account.Email),
		account.Phone,
		account.PasswordHash,
		account.Role,
		account.State,
		account.Visibility,
		account.Profile,
		account.ID,
	)
	if err != nil {
		return mapPgError(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete relies on ON DELETE CASCADE for stats and audit rows.
func (t *pgAccountTx) Delete(ctx context.Context, id string) error {
	cmd, err := t.tx.Exec(ctx, `DELETE FROM accounts WHERE id=$1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgAccountTx) List(ctx context.Context, filter AccountFilter) ([]domain.Account, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if len(filter.Roles) > 0 {
		placeholders := make([]string, len(filter.Roles))
		for i, role := range filter.Roles {
			args = append(args, role)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("role IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.State != nil {
		args = append(args, *filter.State)
		clauses = append(clauses, fmt.Sprintf("state=$%d", len(args)))
	}
	if filter.Visibility != nil {
		args = append(args, *filter.Visibility)
		clauses = append(clauses, fmt.Sprintf("visibility=$%d", len(args)))
	}

	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE %s ORDER BY created_at, id`,
		accountColumns, strings.Join(clauses, " AND "))
	limit, offset := filter.window()
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += fmt.Sprintf(" OFFSET %d", offset)

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, mapPgError(rows.Err())
}

func (t *pgAccountTx) Stats(ctx context.Context, accountID string) (*domain.AccountStats, error) {
	const query = `
        SELECT account_id, successful_logins, failed_logins, first_login_at, last_login_at, last_attempt_at, created_at
        FROM account_stats WHERE account_id=$1 FOR UPDATE`
	var st domain.AccountStats
	if err := t.tx.QueryRow(ctx, query, accountID).Scan(
		&st.AccountID,
		&st.SuccessfulLogins,
		&st.FailedLogins,
		&st.FirstLoginAt,
		&st.LastLoginAt,
		&st.LastAttemptAt,
		&st.CreatedAt,
	); err != nil {
		return nil, mapPgError(err)
	}
	return &st, nil
}

func (t *pgAccountTx) PutStats(ctx context.Context, stats *domain.AccountStats) error {
	const query = `
        INSERT INTO account_stats (account_id, successful_logins, failed_logins, first_login_at, last_login_at, last_attempt_at, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (account_id) DO UPDATE SET
            successful_logins=EXCLUDED.successful_logins,
            failed_logins=EXCLUDED.failed_logins,
            first_login_at=EXCLUDED.first_login_at,
            last_login_at=EXCLUDED.last_login_at,
            last_attempt_at=EXCLUDED.last_attempt_at`
	_, err := t.tx.Exec(ctx, query,
		stats.AccountID,
		stats.SuccessfulLogins,
		stats.FailedLogins,
		stats.FirstLoginAt,
		stats.LastLoginAt,
		stats.LastAttemptAt,
		stats.CreatedAt,
	)
	return mapPgError(err)
}

func (t *pgAccountTx) AppendAudit(ctx context.Context, entry *domain.AuditLogEntry) error {
	const query = `
        INSERT INTO account_audit_log (id, account_id, ip, host, city, country, latlon, token_hash, logged_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := t.tx.Exec(ctx, query,
		entry.ID,
		entry.AccountID,
		entry.IP,
		entry.Host,
		entry.City,
		entry.Country,
		entry.LatLon,
		entry.TokenHash,
		entry.LoggedAt,
	)
	return mapPgError(err)
}

func (t *pgAccountTx) AuditLog(ctx context.Context, accountID string) ([]domain.AuditLogEntry, error) {
	const query = `
        SELECT id, account_id, ip, host, city, country, latlon, token_hash, logged_at
        FROM account_audit_log WHERE account_id=$1 ORDER BY logged_at, id`
	rows, err := t.tx.Query(ctx, query, accountID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var entries []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.IP, &e.Host, &e.City, &e.Country, &e.LatLon, &e.TokenHash, &e.LoggedAt); err != nil {
			return nil, mapPgError(err)
		}
		entries = append(entries, e)
	}
	return entries, mapPgError(rows.Err())
}
