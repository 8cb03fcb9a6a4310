package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAIRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAI("", DefaultModel, 5)
	assert.Error(t, err)
}

func TestNewOpenAIDefaults(t *testing.T) {
	e, err := NewOpenAI("test-key", "", 0)
	require.NoError(t, err)
	assert.Nil(t, e.limiter, "non-positive rate disables limiting")

	e, err = NewOpenAI("test-key", DefaultModel, 5)
	require.NoError(t, err)
	assert.NotNil(t, e.limiter)
}
