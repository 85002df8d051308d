package guardrails

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthValidator(t *testing.T) {
	v := NewLengthValidator(10)

	t.Run("within limit", func(t *testing.T) {
		result, err := v.Validate(context.Background(), "short")
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, 5, result.Metadata["content_length"])
	})

	t.Run("over limit", func(t *testing.T) {
		result, err := v.Validate(context.Background(), strings.Repeat("a", 11))
		require.NoError(t, err)
		assert.False(t, result.Valid)
		require.NotEmpty(t, result.Errors)
		assert.Equal(t, ErrCodeMaxLengthExceeded, result.Errors[0].Code)
	})

	t.Run("counts runes not bytes", func(t *testing.T) {
		result, err := v.Validate(context.Background(), "你好世界")
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, 4, result.Metadata["content_length"])
	})

	t.Run("zero limit disables check", func(t *testing.T) {
		unlimited := NewLengthValidator(0)
		result, err := unlimited.Validate(context.Background(), strings.Repeat("a", 10000))
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})
}

func TestBlocklistValidator(t *testing.T) {
	v := NewBlocklistValidator([]string{"Forbidden", "  secret  ", ""})

	t.Run("no hit", func(t *testing.T) {
		result, err := v.Validate(context.Background(), "nothing to see here")
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})

	t.Run("case insensitive hit", func(t *testing.T) {
		result, err := v.Validate(context.Background(), "this is FORBIDDEN knowledge")
		require.NoError(t, err)
		assert.False(t, result.Valid)
		require.NotEmpty(t, result.Errors)
		assert.Equal(t, ErrCodeBlockedKeyword, result.Errors[0].Code)
	})

	t.Run("multiple hits recorded in metadata", func(t *testing.T) {
		result, err := v.Validate(context.Background(), "secret and forbidden")
		require.NoError(t, err)
		assert.False(t, result.Valid)
		hits, ok := result.Metadata["blocked_keywords"].([]string)
		require.True(t, ok)
		assert.Len(t, hits, 2)
	})
}
