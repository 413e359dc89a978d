// Package sql implements the quota ledger, activation code registry and
// feature grant table on a relational database. Supported dialects are
// sqlite and postgres; the uniqueness constraints here are what arbitrate
// concurrent reservations and redemptions across processes.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/usagegate/usagegate/internal/core/domain"
	"github.com/usagegate/usagegate/internal/core/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS quota_accounts (
    subject_id VARCHAR(255) NOT NULL,
    period VARCHAR(7) NOT NULL,
    plan VARCHAR(50) NOT NULL,
    used BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (subject_id, period)
);

CREATE TABLE IF NOT EXISTS activation_codes (
    code VARCHAR(32) PRIMARY KEY,
    feature_code VARCHAR(50) NOT NULL,
    max_uses BIGINT NOT NULL,
    current_uses BIGINT NOT NULL DEFAULT 0,
    valid_until TIMESTAMP,
    grant_ttl_seconds BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS feature_grants (
    id VARCHAR(36) NOT NULL,
    subject_id VARCHAR(255) NOT NULL,
    feature_code VARCHAR(50) NOT NULL,
    source_code VARCHAR(32) NOT NULL,
    activated_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    PRIMARY KEY (subject_id, feature_code)
);

CREATE INDEX IF NOT EXISTS idx_quota_accounts_period ON quota_accounts(period);
CREATE INDEX IF NOT EXISTS idx_feature_grants_subject ON feature_grants(subject_id);
`

// Store implements the quota, code and grant ports on one database handle.
type Store struct {
	db      *sql.DB
	dialect string
}

var (
	_ ports.QuotaStore = (*Store)(nil)
	_ ports.CodeStore  = (*Store)(nil)
	_ ports.GrantStore = (*Store)(nil)
)

// New validates the dialect and creates the schema.
// Supported dialects: "sqlite", "postgres".
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// bind rewrites ? placeholders as $n for postgres. sqlite takes the query
// as written.
func (s *Store) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Dialect returns the configured SQL dialect.
func (s *Store) Dialect() string { return s.dialect }

// ---- quota ledger ----

func (s *Store) GetAccount(ctx context.Context, subjectID, period string) (*domain.QuotaAccount, error) {
	query := s.bind(`SELECT plan, used, updated_at FROM quota_accounts WHERE subject_id = ? AND period = ?`)

	account := domain.QuotaAccount{SubjectID: subjectID, Period: period}
	err := s.db.QueryRowContext(ctx, query, subjectID, period).
		Scan(&account.Plan, &account.Used, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query quota account: %w", err)
	}
	return &account, nil
}

// Reserve is the single atomic consumption step. The account is created with
// ON CONFLICT DO NOTHING so first use never races into duplicate rows, and
// the increment only matches while used < limit; zero rows affected means
// the limit had been met, by this subject or by a racing caller.
func (s *Store) Reserve(ctx context.Context, subjectID, plan, period string, limit int64) (int64, bool, error) {
	now := time.Now().UTC()

	insert := s.bind(`
		INSERT INTO quota_accounts (subject_id, period, plan, used, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (subject_id, period) DO NOTHING
	`)
	if _, err := s.db.ExecContext(ctx, insert, subjectID, period, plan, now, now); err != nil {
		return 0, false, fmt.Errorf("failed to ensure quota account: %w", err)
	}

	update := s.bind(`
		UPDATE quota_accounts
		SET used = used + 1, plan = ?, updated_at = ?
		WHERE subject_id = ? AND period = ? AND (? < 0 OR used < ?)
	`)
	result, err := s.db.ExecContext(ctx, update, plan, now, subjectID, period, limit, limit)
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve quota unit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	var used int64
	query := s.bind(`SELECT used FROM quota_accounts WHERE subject_id = ? AND period = ?`)
	if err := s.db.QueryRowContext(ctx, query, subjectID, period).Scan(&used); err != nil {
		return 0, false, fmt.Errorf("failed to read usage after reserve: %w", err)
	}
	return used, affected > 0, nil
}

func (s *Store) DeleteExpired(ctx context.Context, beforePeriod string) error {
	query := s.bind(`DELETE FROM quota_accounts WHERE period < ?`)
	if _, err := s.db.ExecContext(ctx, query, beforePeriod); err != nil {
		return fmt.Errorf("failed to delete expired quota accounts: %w", err)
	}
	return nil
}

// ---- activation codes ----

func (s *Store) Create(ctx context.Context, code *domain.ActivationCode) error {
	query := s.bind(`
		INSERT INTO activation_codes (code, feature_code, max_uses, current_uses, valid_until, grant_ttl_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	var validUntil any
	if code.ValidUntil != nil {
		validUntil = code.ValidUntil.UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		code.Code, code.FeatureCode, code.MaxUses, code.CurrentUses,
		validUntil, int64(code.GrantTTL/time.Second), code.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrCodeExists
		}
		return fmt.Errorf("failed to create activation code: %w", err)
	}
	return nil
}

func (s *Store) GetCode(ctx context.Context, code string) (*domain.ActivationCode, error) {
	query := s.bind(`
		SELECT code, feature_code, max_uses, current_uses, valid_until, grant_ttl_seconds, created_at
		FROM activation_codes WHERE code = ?
	`)

	var (
		out        domain.ActivationCode
		validUntil sql.NullTime
		ttlSeconds int64
	)
	err := s.db.QueryRowContext(ctx, query, code).Scan(
		&out.Code, &out.FeatureCode, &out.MaxUses, &out.CurrentUses,
		&validUntil, &ttlSeconds, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query activation code: %w", err)
	}
	if validUntil.Valid {
		t := validUntil.Time
		out.ValidUntil = &t
	}
	out.GrantTTL = time.Duration(ttlSeconds) * time.Second
	return &out, nil
}

// ConsumeUse only matches while a use remains, so the count can never pass
// max_uses however many callers race it.
func (s *Store) ConsumeUse(ctx context.Context, code string) (bool, error) {
	query := s.bind(`
		UPDATE activation_codes
		SET current_uses = current_uses + 1
		WHERE code = ? AND current_uses < max_uses
	`)
	result, err := s.db.ExecContext(ctx, query, code)
	if err != nil {
		return false, fmt.Errorf("failed to consume code use: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// ---- feature grants ----

// Insert relies on the (subject_id, feature_code) primary key as the
// concurrency arbiter. An expired previous grant is replaced in place;
// an active one makes the conditional upsert touch zero rows, which is the
// authoritative already-granted signal.
func (s *Store) Insert(ctx context.Context, grant *domain.FeatureGrant) error {
	query := s.bind(`
		INSERT INTO feature_grants (id, subject_id, feature_code, source_code, activated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id, feature_code) DO UPDATE SET
			id = excluded.id,
			source_code = excluded.source_code,
			activated_at = excluded.activated_at,
			expires_at = excluded.expires_at
		WHERE feature_grants.expires_at IS NOT NULL AND feature_grants.expires_at <= excluded.activated_at
	`)
	var expiresAt any
	if grant.ExpiresAt != nil {
		expiresAt = grant.ExpiresAt.UTC()
	}
	result, err := s.db.ExecContext(ctx, query,
		grant.ID, grant.SubjectID, grant.FeatureCode, grant.SourceCode,
		grant.ActivatedAt.UTC(), expiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyGranted
		}
		return fmt.Errorf("failed to insert feature grant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrAlreadyGranted
	}
	return nil
}

func (s *Store) Active(ctx context.Context, subjectID, featureCode string, now time.Time) (*domain.FeatureGrant, error) {
	query := s.bind(`
		SELECT id, subject_id, feature_code, source_code, activated_at, expires_at
		FROM feature_grants
		WHERE subject_id = ? AND feature_code = ? AND (expires_at IS NULL OR expires_at > ?)
	`)

	grant, err := scanGrant(s.db.QueryRowContext(ctx, query, subjectID, featureCode, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query feature grant: %w", err)
	}
	return grant, nil
}

func (s *Store) BySubject(ctx context.Context, subjectID string, now time.Time) ([]domain.FeatureGrant, error) {
	query := s.bind(`
		SELECT id, subject_id, feature_code, source_code, activated_at, expires_at
		FROM feature_grants
		WHERE subject_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY feature_code
	`)

	rows, err := s.db.QueryContext(ctx, query, subjectID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list feature grants: %w", err)
	}
	defer rows.Close()

	var out []domain.FeatureGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature grant: %w", err)
		}
		out = append(out, *grant)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*domain.FeatureGrant, error) {
	var (
		grant     domain.FeatureGrant
		expiresAt sql.NullTime
	)
	err := row.Scan(&grant.ID, &grant.SubjectID, &grant.FeatureCode,
		&grant.SourceCode, &grant.ActivatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		grant.ExpiresAt = &t
	}
	return &grant, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
