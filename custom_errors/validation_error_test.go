package custom_errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidationError_NilWhenEmpty(t *testing.T) {
	assert.NoError(t, NewValidationError())
	assert.NoError(t, NewValidationError(nil, nil))
}

func TestValidationError_JoinsAndUnwraps(t *testing.T) {
	missing := errors.New("function is required")
	err := NewValidationError(missing, nil, errors.New("retries must not be negative"))
	require.Error(t, err)

	var v *ValidationError
	require.True(t, errors.As(err, &v))
	assert.Len(t, v.Errors, 2)
	assert.ErrorIs(t, err, missing)
	assert.Equal(t, "function is required\nretries must not be negative", err.Error())
}

func TestValidationError_Addf(t *testing.T) {
	v := &ValidationError{}
	assert.False(t, v.HasError())
	assert.Empty(t, v.Error())

	v.Addf("unknown function %q", "send_sms")
	assert.True(t, v.HasError())
	assert.Equal(t, `unknown function "send_sms"`, v.Error())
}
