package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/evalgo/xjog/xjogerr"
)

func TestJsonOrNull(t *testing.T) {
	t.Run("empty becomes null", func(t *testing.T) {
		assert.Equal(t, []byte("null"), jsonOrNull(nil))
		assert.Equal(t, []byte("null"), jsonOrNull([]byte{}))
	})

	t.Run("non-empty passes through", func(t *testing.T) {
		assert.Equal(t, []byte(`{"a":1}`), jsonOrNull([]byte(`{"a":1}`)))
	})
}

func TestWrapExec(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, wrapExec("op", nil))
	})

	t.Run("domain sentinels pass through unwrapped", func(t *testing.T) {
		assert.ErrorIs(t, wrapExec("op", xjogerr.ErrChartNotFound), xjogerr.ErrChartNotFound)
		assert.ErrorIs(t, wrapExec("op", xjogerr.ErrConflict), xjogerr.ErrConflict)
	})

	t.Run("other errors wrap as ConnectionError", func(t *testing.T) {
		err := wrapExec("read chart", errors.New("boom"))
		var connErr *xjogerr.ConnectionError
		assert.ErrorAs(t, err, &connErr)
		assert.Equal(t, "read chart", connErr.Op)
	})
}

func TestIsUniqueViolation(t *testing.T) {
	t.Run("matches code 23505", func(t *testing.T) {
		err := &pgconn.PgError{Code: "23505"}
		assert.True(t, isUniqueViolation(err))
	})

	t.Run("other codes do not match", func(t *testing.T) {
		err := &pgconn.PgError{Code: "23503"}
		assert.False(t, isUniqueViolation(err))
	})

	t.Run("non-pg errors do not match", func(t *testing.T) {
		assert.False(t, isUniqueViolation(errors.New("boom")))
	})
}
