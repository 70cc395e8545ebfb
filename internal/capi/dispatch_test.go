package capi

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"outcomedesk/internal/guarantee"
	"outcomedesk/internal/repo"
)

func TestPermanentDispatchErr(t *testing.T) {
	assert.True(t, permanentDispatchErr(fmt.Errorf("%w: bad value", ErrValidation)))
	assert.True(t, permanentDispatchErr(guarantee.ErrClaimWindowExpired))
	assert.True(t, permanentDispatchErr(guarantee.ErrGuaranteeNotActive))
	assert.True(t, permanentDispatchErr(guarantee.ErrEvidenceNotAccepted))

	// Anything else may succeed on a later pass: a guarantee record that does
	// not exist yet, or a database hiccup.
	assert.False(t, permanentDispatchErr(repo.ErrNotFound))
	assert.False(t, permanentDispatchErr(sql.ErrConnDone))
	assert.False(t, permanentDispatchErr(fmt.Errorf("database is locked")))
}
