package repository

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/deltaquant/optioncollector/internal/errs"
)

func TestIsPerpetual(t *testing.T) {
	assert.True(t, IsPerpetual("BTC-PERPETUAL"))
	assert.True(t, IsPerpetual("ETH-PERPETUAL"))
	assert.False(t, IsPerpetual("BTC-26SEP25-100000-C"))
	assert.False(t, IsPerpetual("BTC-26SEP25"))
}

func TestClassifyStoreErrorIntegrityViolationIsPermanent(t *testing.T) {
	err := classifyStoreError("insert", &pgconn.PgError{Code: "23502"})
	assert.True(t, errs.IsPermanent(err))
}

func TestClassifyStoreErrorDataExceptionIsPermanent(t *testing.T) {
	err := classifyStoreError("insert", &pgconn.PgError{Code: "22003"})
	assert.True(t, errs.IsPermanent(err))
}

func TestClassifyStoreErrorUndefinedTableIsPermanent(t *testing.T) {
	err := classifyStoreError("insert", &pgconn.PgError{Code: "42P01"})
	assert.True(t, errs.IsPermanent(err))
}

func TestClassifyStoreErrorConnectionFailureIsTransient(t *testing.T) {
	err := classifyStoreError("insert", &pgconn.PgError{Code: "08006"})
	assert.True(t, errs.IsTransient(err))

	err = classifyStoreError("insert", &pgconn.PgError{Code: "40001"})
	assert.True(t, errs.IsTransient(err))
}

func TestClassifyStoreErrorPlainErrorIsTransient(t *testing.T) {
	err := classifyStoreError("insert", errors.New("write: broken pipe"))
	assert.True(t, errs.IsTransient(err))
}
