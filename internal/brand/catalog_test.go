package brand

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatherd/internal/transform"
)

func TestNewCatalog_EmbeddedDefaults(t *testing.T) {
	c, err := NewCatalog("", zap.NewNop())
	require.NoError(t, err)

	amazon, err := c.Get("amazon")
	require.NoError(t, err)
	assert.Equal(t, "Amazon", amazon.BrandName)
	assert.Equal(t, "mcp-shopping", amazon.MCPURLPath())
	assert.Equal(t, "amazon_get_purchase_history", amazon.DataTool())
	assert.Empty(t, amazon.DetailsTool())

	officedepot, err := c.Get("officedepot")
	require.NoError(t, err)
	assert.Equal(t, "officedepot_get_order_history_details", officedepot.DetailsTool())
	assert.True(t, officedepot.Hidden)

	gofood, err := c.Get("gofood")
	require.NoError(t, err)
	assert.Equal(t, "mcp", gofood.MCPURLPath(), "brands without mcp_path use the default")

	_, err = c.Get("unknown")
	assert.ErrorIs(t, err, ErrBrandNotFound)
}

func TestCatalog_ListExcludesHidden(t *testing.T) {
	c, err := NewCatalog("", zap.NewNop())
	require.NoError(t, err)

	for _, cfg := range c.List() {
		assert.NotEqual(t, "officedepot", cfg.BrandID)
	}
	assert.NotEmpty(t, c.List())
}

func TestCatalog_NoDedupBrands(t *testing.T) {
	c, err := NewCatalog("", zap.NewNop())
	require.NoError(t, err)

	assert.Contains(t, c.NoDedupBrands(), "Garmin")
	assert.NotContains(t, c.NoDedupBrands(), "Amazon")
}

func TestCatalog_DirectoryOverlay(t *testing.T) {
	dir := t.TempDir()
	descriptor := `{
		"brand_id": "amazon",
		"brand_name": "Amazon DE",
		"tools": ["amazon_get_purchase_history"],
		"dataTransform": {
			"dataPath": "purchases",
			"fieldMappings": [{"outputKey": "order_id", "sourcePath": "order_id"}]
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "amazon.json"), []byte(descriptor), 0600))

	c, err := NewCatalog(dir, zap.NewNop())
	require.NoError(t, err)

	amazon, err := c.Get("amazon")
	require.NoError(t, err)
	assert.Equal(t, "Amazon DE", amazon.BrandName, "directory overrides embedded")
}

func TestCatalog_SkipsMalformedDescriptor(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{not json`), 0600))

	c, err := NewCatalog(dir, zap.NewNop())
	require.NoError(t, err, "one bad descriptor must not break the catalog")
	assert.NotEmpty(t, c.List())
}

func TestCatalog_Watch(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCatalog(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Watch())
	defer c.Close()

	descriptor := `{
		"brand_id": "newbrand",
		"brand_name": "New Brand",
		"tools": ["newbrand_get_purchase_history"],
		"dataTransform": {
			"dataPath": "orders",
			"fieldMappings": [{"outputKey": "order_id", "sourcePath": "id"}]
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "newbrand.json"), []byte(descriptor), 0600))

	require.Eventually(t, func() bool {
		_, err := c.Get("newbrand")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "watcher reloads new descriptors")
}

func TestConfig_CredentialFields(t *testing.T) {
	cfg := &Config{
		Schema: []InputField{
			{Name: "email", Type: "email", Prompt: "Enter your email"},
			{Name: "password", Type: "password", Prompt: "Enter your password"},
			{Name: "submit", Type: InputFieldClick, Prompt: "Sign in"},
		},
	}
	fields := cfg.CredentialFields()
	require.Len(t, fields, 2)
	assert.Equal(t, "email", fields[0].Name)
	assert.Equal(t, "password", fields[1].Name)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing brand id", func(c *Config) { c.BrandID = "" }, true},
		{"missing brand name", func(c *Config) { c.BrandName = "" }, true},
		{"no tools", func(c *Config) { c.Tools = nil }, true},
		{"empty field mappings", func(c *Config) { c.DataTransform.FieldMappings = nil }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				BrandID:   "test",
				BrandName: "Test",
				Tools:     []string{"test_get_purchase_history"},
				DataTransform: transform.Schema{
					DataPath: "orders",
					FieldMappings: []transform.FieldMapping{
						{OutputKey: "order_id", SourcePath: "id"},
					},
				},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
