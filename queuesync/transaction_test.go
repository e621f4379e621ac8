package queuesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryTransaction_RetriesTransientErrors(t *testing.T) {
	var attempts []int
	err := retryTransaction(context.Background(), 3, testLogger(), func(ctx context.Context) error {
		attempts = append(attempts, attemptFromContext(ctx))
		if len(attempts) < 3 {
			return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestRetryTransaction_GivesUpAfterLastAttempt(t *testing.T) {
	calls := 0
	err := retryTransaction(context.Background(), 2, testLogger(), func(ctx context.Context) error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, calls)
}

func TestRetryTransaction_PermanentErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"client error", NewClientError(ErrValidation, CodeMissingID, "missing id", nil)},
		{"wrapped client error", fmt.Errorf("insert: %w", errUnknownEntity("barn"))},
		{"not authorized", newNotAuthorized(ErrOperationNotPermitted, "user %s", "u1")},
		{"canceled", context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryTransaction(context.Background(), 5, testLogger(), func(ctx context.Context) error {
				calls++
				return tt.err
			})
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetryTransaction_StopsWhenContextIsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryTransaction(ctx, 5, testLogger(), func(ctx context.Context) error {
		calls++
		cancel()
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestPgErrorClassification(t *testing.T) {
	assert.True(t, isRetryablePGTxError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	assert.True(t, isRetryablePGTxError(&pgconn.PgError{Code: "55P03"}))
	assert.False(t, isRetryablePGTxError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isRetryablePGTxError(errors.New("plain")))

	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(errBoom))
}

func TestClassifyWriteError(t *testing.T) {
	b := EntityBinding{Name: "animal", Table: "animals"}
	tests := []struct {
		code string
		kind error
		want string
	}{
		{"23505", ErrValidation, CodeDuplicateID},
		{"42703", ErrValidation, CodeInvalidAttribute},
		{"23503", ErrValidation, CodeInvalidAttribute},
		{"22P02", ErrValidation, CodeInvalidAttribute},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classifyWriteError(b, "a1", &pgconn.PgError{Code: tt.code, Message: "boom"})
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.want, ErrorCode(err))
			assert.Equal(t, 400, HTTPStatus(err))
		})
	}

	serialization := &pgconn.PgError{Code: "40001"}
	assert.Equal(t, error(serialization), classifyWriteError(b, "a1", serialization))
}

func TestNormalizeForDB(t *testing.T) {
	assert.Equal(t, int64(42), normalizeForDB(json.Number("42")))
	assert.Equal(t, 1.5, normalizeForDB(json.Number("1.5")))
	assert.Equal(t, `{"a":1}`, normalizeForDB(map[string]any{"a": 1}))
	assert.Equal(t, `[1,"x"]`, normalizeForDB([]any{1, "x"}))
	assert.Equal(t, "text", normalizeForDB("text"))
	assert.Nil(t, normalizeForDB(nil))
}
