package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"single field", "items", false},
		{"nested fields", "content.items", false},
		{"numeric index", "items.0.id", false},
		{"empty expression", "", true},
		{"empty segment", "a..b", true},
		{"trailing dot", "a.b.", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePath(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPath_Resolve(t *testing.T) {
	data := map[string]any{
		"content": map[string]any{
			"items": []any{
				map[string]any{"id": "A1", "title": "first"},
				map[string]any{"id": "A2", "title": "second"},
			},
		},
		"encoded": `{"inner": "value"}`,
		"badJSON": `{not json`,
	}

	t.Run("nested field access", func(t *testing.T) {
		p, err := ParsePath("content.items")
		require.NoError(t, err)
		items, ok := p.Resolve(data).([]any)
		require.True(t, ok)
		assert.Len(t, items, 2)
	})

	t.Run("numeric index into array", func(t *testing.T) {
		p, err := ParsePath("content.items.1.id")
		require.NoError(t, err)
		assert.Equal(t, "A2", p.Resolve(data))
	})

	t.Run("broadcast over array elements", func(t *testing.T) {
		p, err := ParsePath("content.items.title")
		require.NoError(t, err)
		assert.Equal(t, []any{"first", "second"}, p.Resolve(data))
	})

	t.Run("auto-parses JSON-looking strings", func(t *testing.T) {
		p, err := ParsePath("encoded.inner")
		require.NoError(t, err)
		assert.Equal(t, "value", p.Resolve(data))
	})

	t.Run("keeps malformed JSON strings as-is", func(t *testing.T) {
		p, err := ParsePath("badJSON")
		require.NoError(t, err)
		assert.Equal(t, `{not json`, p.Resolve(data))
	})

	t.Run("absent key yields nil", func(t *testing.T) {
		p, err := ParsePath("content.missing.deeper")
		require.NoError(t, err)
		assert.Nil(t, p.Resolve(data))
	})

	t.Run("index out of range yields nil", func(t *testing.T) {
		p, err := ParsePath("content.items.9")
		require.NoError(t, err)
		assert.Nil(t, p.Resolve(data))
	})

	t.Run("scalar target yields nil", func(t *testing.T) {
		p, err := ParsePath("content.items.0.id.deeper")
		require.NoError(t, err)
		assert.Nil(t, p.Resolve(data))
	})
}
