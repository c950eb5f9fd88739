package store_test

import (
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/store"
)

func TestAssertUpdatedNoRowsIsConflict(t *testing.T) {
	err := store.AssertUpdated(pgx.CommandTag{})
	assert.ErrorIs(t, err, store.ErrOptimisticLock)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestWrapQueryErrNoRowsIsNotFound(t *testing.T) {
	err := store.WrapQueryErr(pgx.ErrNoRows, "invoice", "inv-1")
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))
}

func TestWrapQueryErrNilIsNil(t *testing.T) {
	assert.NoError(t, store.WrapQueryErr(nil, "invoice", "inv-1"))
}
