package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"donation-reconciler/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type account struct {
	ID    string `gorm:"column:id;primaryKey"`
	Email string `gorm:"column:email"`
}

func contract(version int, columns ...string) Contract {
	return Contract{Version: version, Tables: []Table{{Model: &account{}, Columns: columns}}}
}

func TestApplyMigratesAndValidates(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	require.NoError(t, Apply(ctx, db, contract(1, "id", "email"), true))
	require.NoError(t, Apply(ctx, db, contract(1, "id", "email"), false))
}

func TestValidateFailsWithoutMigration(t *testing.T) {
	db := testutil.NewTestDB(t)

	err := Apply(context.Background(), db, contract(1, "id"), false)
	require.ErrorIs(t, err, ErrContractViolation)
}

func TestValidateMissingColumn(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	require.NoError(t, Apply(ctx, db, contract(1, "id"), true))

	err := Validate(db, contract(1, "id", "phone"))
	require.ErrorIs(t, err, ErrContractViolation)
}

func TestValidateVersionMismatch(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	require.NoError(t, Apply(ctx, db, contract(1, "id"), true))

	err := Validate(db, contract(2, "id"))
	require.ErrorIs(t, err, ErrContractViolation)
}
