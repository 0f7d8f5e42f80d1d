package commission

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"donation-reconciler/pkg/config"
	"donation-reconciler/services/ledger"
	"donation-reconciler/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type resolverFunc func(ctx context.Context, code string) (*Ambassador, error)

func (f resolverFunc) Resolve(ctx context.Context, code string) (*Ambassador, error) {
	return f(ctx, code)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Commission.Rate = "0.30"
	cfg.Commission.CacheTTL = time.Minute
	return cfg
}

func newTestService(t *testing.T, resolver Resolver) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &Commission{}, &Ambassador{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node, Config: testConfig(), Resolver: resolver}), db
}

func known(code string) Resolver {
	return resolverFunc(func(ctx context.Context, c string) (*Ambassador, error) {
		if c == code {
			return &Ambassador{Code: code, Active: true}, nil
		}
		return nil, nil
	})
}

func donation(amount string, status ledger.Status, code string) *ledger.Donation {
	return &ledger.Donation{
		ID:             "don-1",
		TransactionID:  "pay_1",
		Amount:         decimal.RequireFromString(amount),
		Status:         status,
		AmbassadorCode: code,
	}
}

func TestCalculateRoundsHalfUp(t *testing.T) {
	rate := decimal.RequireFromString("0.30")
	cases := map[string]string{
		"100.00": "30.00",
		"33.35":  "10.01",
		"10.01":  "3.00",
		"0.05":   "0.02",
		"49.90":  "14.97",
	}
	for amount, want := range cases {
		got := Calculate(decimal.RequireFromString(amount), rate)
		require.True(t, got.Equal(decimal.RequireFromString(want)), "amount %s: got %s want %s", amount, got, want)
	}
}

func TestComputeEligible(t *testing.T) {
	s, _ := newTestService(t, known("RMCC0408"))

	c, err := s.Compute(context.Background(), donation("100.00", ledger.StatusCompleted, "RMCC0408"))
	require.NoError(t, err)
	require.Equal(t, "30.00", c.CommissionAmount.StringFixed(2))
	require.Equal(t, "RMCC0408", c.AmbassadorCode)
	require.True(t, c.Rate.Equal(decimal.RequireFromString("0.3")))
}

func TestComputeIneligible(t *testing.T) {
	s, _ := newTestService(t, known("RMCC0408"))
	ctx := context.Background()

	for name, d := range map[string]*ledger.Donation{
		"pending":    donation("100.00", ledger.StatusPending, "RMCC0408"),
		"refunded":   donation("100.00", ledger.StatusRefunded, "RMCC0408"),
		"no code":    donation("100.00", ledger.StatusCompleted, ""),
		"unresolved": donation("100.00", ledger.StatusReceived, "NOPE"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Compute(ctx, d)
			require.ErrorIs(t, err, ErrCommissionIneligible)
		})
	}
}

func TestComputeResolverError(t *testing.T) {
	boom := errors.New("db down")
	s, _ := newTestService(t, resolverFunc(func(context.Context, string) (*Ambassador, error) { return nil, boom }))

	_, err := s.Compute(context.Background(), donation("10.00", ledger.StatusCompleted, "X"))
	require.ErrorIs(t, err, boom)
}

func TestComputeAndRecordIsIdempotent(t *testing.T) {
	s, db := newTestService(t, known("RMCC0408"))
	ctx := context.Background()
	d := donation("100.00", ledger.StatusCompleted, "RMCC0408")

	first, err := s.ComputeAndRecord(ctx, d)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.ComputeAndRecord(ctx, d)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&Commission{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestComputeAndRecordSkipsIneligible(t *testing.T) {
	s, _ := newTestService(t, known("RMCC0408"))

	c, err := s.ComputeAndRecord(context.Background(), donation("100.00", ledger.StatusCompleted, ""))
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestDirectoryCachesLookups(t *testing.T) {
	db := testutil.NewTestDB(t, &Ambassador{})
	require.NoError(t, db.Create(&Ambassador{ID: "1", Code: "RMCC0408", Name: "Rosa", Active: true}).Error)
	require.NoError(t, db.Create(&Ambassador{ID: "2", Code: "OLD1", Active: true}).Error)
	require.NoError(t, db.Model(&Ambassador{}).Where("code = ?", "OLD1").Update("active", false).Error)

	dir := NewDirectory(DirectoryParams{DB: db, Config: testConfig()})
	ctx := context.Background()

	a, err := dir.Resolve(ctx, " rmcc0408 ")
	require.NoError(t, err)
	require.Equal(t, "Rosa", a.Name)

	inactive, err := dir.Resolve(ctx, "OLD1")
	require.NoError(t, err)
	require.Nil(t, inactive)

	unknown, err := dir.Resolve(ctx, "NOPE")
	require.NoError(t, err)
	require.Nil(t, unknown)

	// served from cache after the row is gone
	require.NoError(t, db.Where("code = ?", "RMCC0408").Delete(&Ambassador{}).Error)
	a, err = dir.Resolve(ctx, "RMCC0408")
	require.NoError(t, err)
	require.NotNil(t, a)

	dir.Invalidate("rmcc0408")
	a, err = dir.Resolve(ctx, "RMCC0408")
	require.NoError(t, err)
	require.Nil(t, a)
}

func TestDirectoryConcurrentMissesShareOneLoad(t *testing.T) {
	var loads atomic.Int32
	dir := &Directory{items: make(map[string]cacheEntry), ttl: time.Minute}
	dir.ambassadors = &countingRepo{loads: &loads}

	ctx := context.Background()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = dir.Resolve(ctx, "RMCC0408")
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.LessOrEqual(t, loads.Load(), int32(8))

	_, err := dir.Resolve(ctx, "RMCC0408")
	require.NoError(t, err)
	before := loads.Load()
	_, err = dir.Resolve(ctx, "RMCC0408")
	require.NoError(t, err)
	require.Equal(t, before, loads.Load())
}
