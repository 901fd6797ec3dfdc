package postgres

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/metaglass/metaglass/internal/errs"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.ErrKind
	}{
		{"nil passes through", nil, errs.ErrKindUnknown},
		{"no rows", pgx.ErrNoRows, errs.ErrKindNotFound},
		{"deadline", context.DeadlineExceeded, errs.ErrKindTimeout},
		{"cancelled", context.Canceled, errs.ErrKindTimeout},
		{"connection exception", &pgconn.PgError{Code: "08006", Message: "connection failure"}, errs.ErrKindConnectionFailed},
		{"unique violation", &pgconn.PgError{Code: "23505", Message: "duplicate key"}, errs.ErrKindConflict},
		{"fk violation", &pgconn.PgError{Code: "23503", Message: "violates foreign key"}, errs.ErrKindConflict},
		{"other sqlstate", &pgconn.PgError{Code: "42703", Message: "column does not exist"}, errs.ErrKindQueryFailed},
		{"network error", &net.OpError{Op: "dial", Err: errors.New("refused")}, errs.ErrKindConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err, "boom")
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			assert.Equal(t, tt.want, errs.KindOf(got))
			assert.ErrorIs(t, got, tt.err, "the native error stays unwrappable")
		})
	}
}

func TestMapError_TransientKindsRetry(t *testing.T) {
	conn := mapError(&pgconn.PgError{Code: "08001"}, "connect")
	assert.True(t, errs.IsTransient(conn))

	query := mapError(&pgconn.PgError{Code: "23505"}, "insert")
	assert.False(t, errs.IsTransient(query))
}
