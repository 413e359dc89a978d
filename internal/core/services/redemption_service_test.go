package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usagegate/usagegate/internal/adapters/storage/memory"
	"github.com/usagegate/usagegate/internal/clock"
	"github.com/usagegate/usagegate/internal/core/domain"
)

type redemptionFixture struct {
	engine *RedemptionService
	codes  *memory.CodeStore
	clock  *clock.Manual
}

func newRedemptionFixture(t *testing.T) *redemptionFixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC))
	codes := memory.NewCodeStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := NewRedemptionService(codes, memory.NewGrantStore(), "", clk, logger)
	require.NoError(t, err)
	return &redemptionFixture{engine: engine, codes: codes, clock: clk}
}

func (f *redemptionFixture) provision(t *testing.T, code *domain.ActivationCode) {
	t.Helper()
	require.NoError(t, f.codes.Create(context.Background(), code))
}

func TestRedemption_SingleUseCodeScenario(t *testing.T) {
	f := newRedemptionFixture(t)
	f.provision(t, &domain.ActivationCode{Code: "ABCD1234", FeatureCode: "premium", MaxUses: 1})

	ctx := context.Background()

	grant, err := f.engine.Redeem(ctx, "alice", "ABCD1234")
	require.NoError(t, err)
	require.Equal(t, "premium", grant.FeatureCode)
	require.Equal(t, "ABCD1234", grant.SourceCode)
	require.Nil(t, grant.ExpiresAt)

	stored, err := f.codes.GetCode(ctx, "ABCD1234")
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.CurrentUses)

	// A second subject finds the code exhausted.
	_, err = f.engine.Redeem(ctx, "bob", "ABCD1234")
	require.ErrorIs(t, err, domain.ErrCodeExhausted)
}

func TestRedemption_MalformedCodeSkipsStorage(t *testing.T) {
	f := newRedemptionFixture(t)

	for _, code := range []string{"", "short", "toolong123", "abcd-123", "ABCD 123"} {
		_, err := f.engine.Redeem(context.Background(), "alice", code)
		require.ErrorIs(t, err, domain.ErrInvalidCode, "code %q", code)
	}
}

func TestRedemption_UnknownCodeMatchesMalformedFailure(t *testing.T) {
	f := newRedemptionFixture(t)

	// Unknown and malformed codes must be indistinguishable to the caller.
	_, unknownErr := f.engine.Redeem(context.Background(), "alice", "ZZZZ9999")
	_, malformedErr := f.engine.Redeem(context.Background(), "alice", "nope")
	require.ErrorIs(t, unknownErr, domain.ErrInvalidCode)
	require.Equal(t, unknownErr, malformedErr)
}

func TestRedemption_ExpiredCode(t *testing.T) {
	f := newRedemptionFixture(t)
	past := f.clock.Now().Add(-time.Hour)
	f.provision(t, &domain.ActivationCode{Code: "ABCD1234", FeatureCode: "premium", MaxUses: 5, ValidUntil: &past})

	_, err := f.engine.Redeem(context.Background(), "alice", "ABCD1234")
	require.ErrorIs(t, err, domain.ErrCodeExpired)
}

func TestRedemption_ExhaustedCode(t *testing.T) {
	f := newRedemptionFixture(t)
	f.provision(t, &domain.ActivationCode{Code: "ABCD1234", FeatureCode: "premium", MaxUses: 2, CurrentUses: 2})

	_, err := f.engine.Redeem(context.Background(), "alice", "ABCD1234")
	require.ErrorIs(t, err, domain.ErrCodeExhausted)
}

func TestRedemption_SecondRedeemAlwaysAlreadyGranted(t *testing.T) {
	f := newRedemptionFixture(t)
	f.provision(t, &domain.ActivationCode{Code: "ABCD1234", FeatureCode: "premium", MaxUses: 10})

	ctx := context.Background()

	_, err := f.engine.Redeem(ctx, "alice", "ABCD1234")
	require.NoError(t, err)

	// Idempotence: re-redeeming never creates a second grant, however often
	// it is attempted.
	for i := 0; i < 3; i++ {
		_, err = f.engine.Redeem(ctx, "alice", "ABCD1234")
		require.ErrorIs(t, err, domain.ErrAlreadyGranted)
	}

	grants, err := f.engine.Grants(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, grants, 1)

	stored, err := f.codes.GetCode(ctx, "ABCD1234")
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.CurrentUses)
}

func TestRedemption_ConcurrentSameSubjectYieldsOneGrant(t *testing.T) {
	f := newRedemptionFixture(t)
	f.provision(t, &domain.ActivationCode{Code: "ABCD1234", FeatureCode: "premium", MaxUses: 100})

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Redeem(context.Background(), "alice", "ABCD1234")
			if err == nil {
				succeeded.Add(1)
			} else if !domain.IsAlreadyGranted(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), succeeded.Load())

	grants, err := f.engine.Grants(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, grants, 1)
}

func TestRedemption_GrantTTLSetsExpiry(t *testing.T) {
	f := newRedemptionFixture(t)
	f.provision(t, &domain.ActivationCode{Code: "ABCD1234", FeatureCode: "trial", MaxUses: 1, GrantTTL: 24 * time.Hour})

	grant, err := f.engine.Redeem(context.Background(), "alice", "ABCD1234")
	require.NoError(t, err)
	require.NotNil(t, grant.ExpiresAt)
	require.Equal(t, f.clock.Now().Add(24*time.Hour), *grant.ExpiresAt)
}

func TestRedemption_CodeIsNormalizedBeforeLookup(t *testing.T) {
	f := newRedemptionFixture(t)
	f.provision(t, &domain.ActivationCode{Code: "ABCD1234", FeatureCode: "premium", MaxUses: 1})

	grant, err := f.engine.Redeem(context.Background(), "alice", "  abcd1234 ")
	require.NoError(t, err)
	require.Equal(t, "ABCD1234", grant.SourceCode)
}

func TestRedemption_ProvisionValidates(t *testing.T) {
	f := newRedemptionFixture(t)
	ctx := context.Background()

	err := f.engine.Provision(ctx, &domain.ActivationCode{Code: "bad!", FeatureCode: "premium", MaxUses: 1})
	require.ErrorIs(t, err, domain.ErrInvalidCode)

	err = f.engine.Provision(ctx, &domain.ActivationCode{Code: "ABCD1234", FeatureCode: "", MaxUses: 1})
	require.Error(t, err)

	err = f.engine.Provision(ctx, &domain.ActivationCode{Code: "ABCD1234", FeatureCode: "premium", MaxUses: 0})
	require.Error(t, err)

	require.NoError(t, f.engine.Provision(ctx, &domain.ActivationCode{Code: "abcd1234", FeatureCode: "premium", MaxUses: 1}))
	err = f.engine.Provision(ctx, &domain.ActivationCode{Code: "ABCD1234", FeatureCode: "premium", MaxUses: 1})
	require.ErrorIs(t, err, domain.ErrCodeExists)
}
