package sequence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"donation-reconciler/services/testutil"
)

func next(t *testing.T, db *gorm.DB, g Generator, name string) int64 {
	t.Helper()
	var v int64
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		v, err = g.Next(context.Background(), tx, name)
		return err
	}))
	return v
}

func TestNextIsPerPartition(t *testing.T) {
	db := testutil.NewTestDB(t, &Sequence{})
	g := NewDBGenerator()

	require.EqualValues(t, 1, next(t, db, g, "receipt:2024"))
	require.EqualValues(t, 2, next(t, db, g, "receipt:2024"))
	require.EqualValues(t, 1, next(t, db, g, "receipt:2025"))
	require.EqualValues(t, 3, next(t, db, g, "receipt:2024"))
}

func TestNextRollbackLeavesNoGap(t *testing.T) {
	db := testutil.NewTestDB(t, &Sequence{})
	g := NewDBGenerator()

	require.EqualValues(t, 1, next(t, db, g, "receipt:2024"))

	errAbort := errors.New("abort")
	err := db.Transaction(func(tx *gorm.DB) error {
		v, err := g.Next(context.Background(), tx, "receipt:2024")
		require.NoError(t, err)
		require.EqualValues(t, 2, v)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	require.EqualValues(t, 2, next(t, db, g, "receipt:2024"))
}

func TestNextRequiresTransaction(t *testing.T) {
	_, err := NewDBGenerator().Next(context.Background(), nil, "x")
	require.ErrorIs(t, err, ErrNoTransaction)
}
