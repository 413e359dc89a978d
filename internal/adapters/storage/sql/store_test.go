package sql

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/usagegate/usagegate/internal/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	// One named in-memory database per test; a plain :memory: DSN would give
	// every pooled connection its own empty database.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := New(db, "sqlite")
	require.NoError(t, err)
	return store
}

func TestNew_RejectsUnknownDialect(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, "oracle")
	require.Error(t, err)
}

func TestBind_RewritesPlaceholdersForPostgres(t *testing.T) {
	s := &Store{dialect: "postgres"}
	require.Equal(t, `SELECT $1, $2, $3`, s.bind(`SELECT ?, ?, ?`))

	s = &Store{dialect: "sqlite"}
	require.Equal(t, `SELECT ?, ?`, s.bind(`SELECT ?, ?`))
}

func TestReserve_CreatesAccountLazily(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	account, err := store.GetAccount(ctx, "u1", "2025-06")
	require.NoError(t, err)
	require.Nil(t, account)

	used, ok, err := store.Reserve(ctx, "u1", "free", "2025-06", 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), used)

	account, err = store.GetAccount(ctx, "u1", "2025-06")
	require.NoError(t, err)
	require.Equal(t, "free", account.Plan)
	require.Equal(t, int64(1), account.Used)
}

func TestReserve_StopsAtLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		used, ok, err := store.Reserve(ctx, "u1", "free", "2025-06", 3)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, used)
	}

	used, ok, err := store.Reserve(ctx, "u1", "free", "2025-06", 3)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(3), used)
}

func TestReserve_UnlimitedNeverBlocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		used, ok, err := store.Reserve(ctx, "u1", "unlimited", "2025-06", domain.UnlimitedQuota)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, used)
	}
}

func TestReserve_PeriodsAreIndependent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Reserve(ctx, "u1", "free", "2025-06", 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.Reserve(ctx, "u1", "free", "2025-06", 1)
	require.NoError(t, err)
	require.False(t, ok)

	used, ok, err := store.Reserve(ctx, "u1", "free", "2025-07", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), used)
}

func TestDeleteExpired_DropsOldPeriodsOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Reserve(ctx, "u1", "free", "2025-05", 5)
	require.NoError(t, err)
	_, _, err = store.Reserve(ctx, "u1", "free", "2025-06", 5)
	require.NoError(t, err)

	require.NoError(t, store.DeleteExpired(ctx, "2025-06"))

	old, err := store.GetAccount(ctx, "u1", "2025-05")
	require.NoError(t, err)
	require.Nil(t, old)

	current, err := store.GetAccount(ctx, "u1", "2025-06")
	require.NoError(t, err)
	require.NotNil(t, current)
}

func TestCodes_CreateGetConsume(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	validUntil := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := store.Create(ctx, &domain.ActivationCode{
		Code:        "ABCD1234",
		FeatureCode: "premium",
		MaxUses:     2,
		ValidUntil:  &validUntil,
		GrantTTL:    24 * time.Hour,
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)

	// Duplicate provisioning maps the driver's unique violation.
	err = store.Create(ctx, &domain.ActivationCode{Code: "ABCD1234", FeatureCode: "premium", MaxUses: 1, CreatedAt: time.Now()})
	require.ErrorIs(t, err, domain.ErrCodeExists)

	code, err := store.GetCode(ctx, "ABCD1234")
	require.NoError(t, err)
	require.Equal(t, "premium", code.FeatureCode)
	require.Equal(t, int64(2), code.MaxUses)
	require.Equal(t, 24*time.Hour, code.GrantTTL)
	require.NotNil(t, code.ValidUntil)

	missing, err := store.GetCode(ctx, "ZZZZ9999")
	require.NoError(t, err)
	require.Nil(t, missing)

	for i := 0; i < 2; i++ {
		consumed, err := store.ConsumeUse(ctx, "ABCD1234")
		require.NoError(t, err)
		require.True(t, consumed)
	}

	// Exhausted: the conditional update stops matching.
	consumed, err := store.ConsumeUse(ctx, "ABCD1234")
	require.NoError(t, err)
	require.False(t, consumed)

	code, err = store.GetCode(ctx, "ABCD1234")
	require.NoError(t, err)
	require.Equal(t, int64(2), code.CurrentUses)
}

func TestGrants_InsertIsDuplicateSafe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	first := &domain.FeatureGrant{
		ID: "g1", SubjectID: "alice", FeatureCode: "premium",
		SourceCode: "ABCD1234", ActivatedAt: now,
	}
	require.NoError(t, store.Insert(ctx, first))

	// Same (subject, feature): the storage constraint is the arbiter.
	dup := &domain.FeatureGrant{
		ID: "g2", SubjectID: "alice", FeatureCode: "premium",
		SourceCode: "EFGH5678", ActivatedAt: now.Add(time.Minute),
	}
	require.ErrorIs(t, store.Insert(ctx, dup), domain.ErrAlreadyGranted)

	active, err := store.Active(ctx, "alice", "premium", now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "g1", active.ID)
}

func TestGrants_ExpiredGrantIsReplaced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	expiry := now.Add(time.Hour)
	trial := &domain.FeatureGrant{
		ID: "g1", SubjectID: "alice", FeatureCode: "premium",
		SourceCode: "ABCD1234", ActivatedAt: now, ExpiresAt: &expiry,
	}
	require.NoError(t, store.Insert(ctx, trial))

	active, err := store.Active(ctx, "alice", "premium", expiry.Add(time.Minute))
	require.NoError(t, err)
	require.Nil(t, active)

	// Redeeming again after expiry replaces the stale row.
	renewed := &domain.FeatureGrant{
		ID: "g2", SubjectID: "alice", FeatureCode: "premium",
		SourceCode: "EFGH5678", ActivatedAt: expiry.Add(time.Minute),
	}
	require.NoError(t, store.Insert(ctx, renewed))

	active, err = store.Active(ctx, "alice", "premium", expiry.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "g2", active.ID)
	require.Nil(t, active.ExpiresAt)
}

func TestGrants_BySubjectListsActiveOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	require.NoError(t, store.Insert(ctx, &domain.FeatureGrant{
		ID: "g1", SubjectID: "alice", FeatureCode: "premium",
		SourceCode: "ABCD1234", ActivatedAt: now,
	}))
	require.NoError(t, store.Insert(ctx, &domain.FeatureGrant{
		ID: "g2", SubjectID: "alice", FeatureCode: "trial",
		SourceCode: "EFGH5678", ActivatedAt: past.Add(-time.Hour), ExpiresAt: &past,
	}))
	require.NoError(t, store.Insert(ctx, &domain.FeatureGrant{
		ID: "g3", SubjectID: "bob", FeatureCode: "premium",
		SourceCode: "IJKL9012", ActivatedAt: now,
	}))

	grants, err := store.BySubject(ctx, "alice", now)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	require.Equal(t, "premium", grants[0].FeatureCode)
}
