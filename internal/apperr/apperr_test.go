package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndIs(t *testing.T) {
	err := TransientIOf("store.upsert", "db locked: %s", "jobs.db")
	require.True(t, Is(err, KindTransientIO))
	require.False(t, Is(err, KindValidation))
	require.Contains(t, err.Error(), "store.upsert")
	require.Contains(t, err.Error(), "transient_io")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Validation("intake.parse", cause)
	require.ErrorIs(t, err, cause)
}
