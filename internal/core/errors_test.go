package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	boom := errors.New("boom")

	t.Run("transient wrapped", func(t *testing.T) {
		err := fmt.Errorf("update: %w", core.Transient("update", boom))
		assert.True(t, core.IsTransient(err))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("permanent", func(t *testing.T) {
		assert.False(t, core.IsTransient(core.Permanent("insert", boom)))
	})

	t.Run("missing row is not retried", func(t *testing.T) {
		assert.False(t, core.IsTransient(core.ErrMembershipNotFound))
	})

	t.Run("unclassified counts as transient", func(t *testing.T) {
		assert.True(t, core.IsTransient(boom))
		assert.False(t, core.IsTransient(nil))
	})
}
