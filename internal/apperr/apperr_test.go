package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Is(t *testing.T) {
	err := Conflict("companion_checked_out").With("companion_id", int64(7))

	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, Conflict("companion_checked_out"))
	assert.NotErrorIs(t, err, Conflict("already_in_set"))
	assert.NotErrorIs(t, err, ErrValidation)

	wrapped := fmt.Errorf("pair spares: %w", err)
	assert.ErrorIs(t, wrapped, ErrConflict)
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, "companion_checked_out", CodeOf(wrapped))
}

func TestError_Message(t *testing.T) {
	err := Validation("spec_mismatch").
		With("field", "thread_size").
		With("expected", ".500-20").
		With("actual", ".375-24")
	assert.Equal(t, "validation: spec_mismatch (actual=.375-24, expected=.500-20, field=thread_size)", err.Error())

	timeout := Timeout("lock_wait").Wrap(context.DeadlineExceeded)
	assert.Equal(t, "timeout: lock_wait: context deadline exceeded", timeout.Error())
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, "", CodeOf(nil))
}
