// Package brand manages the catalog of connectable retailers.
//
// Each brand ships a static JSON descriptor: display metadata, the
// credential-form input schema, the connector tool names that retrieve
// its data, and the transform schema that normalizes its payloads. A
// default set is embedded in the binary; an optional catalog directory
// overrides or extends it and is hot-reloaded on change.
package brand

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/gatherd/internal/transform"
)

// Errors for catalog operations.
var (
	ErrBrandNotFound = errors.New("brand not found")
	ErrDuplicateID   = errors.New("duplicate brand id")
)

// InputFieldClick marks schema entries that represent button presses,
// not credentials. They are excluded from rendered credential forms.
const InputFieldClick = "click"

// InputField describes one entry of a brand's sign-in form schema.
type InputField struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// Config is the static descriptor for a connectable brand. Immutable
// after load.
type Config struct {
	BrandID     string `json:"brand_id"`
	BrandName   string `json:"brand_name"`
	LogoURL     string `json:"logo_url"`
	IsMandatory bool   `json:"is_mandatory"`
	// IsDpage selects the embedded-resource sign-in surface instead of
	// the hosted-link popup.
	IsDpage bool `json:"is_dpage"`
	// MCPPath is the connector URL sub-path serving this brand
	// (mcp-shopping, mcp-books). Empty means the default "mcp".
	MCPPath string `json:"mcp_path,omitempty"`
	// Tools lists the connector tool names in invocation order: the
	// first retrieves the data batch, an optional second fetches
	// per-order details.
	Tools []string `json:"tools"`
	// SkipDedup marks brands whose records are event streams without
	// stable order ids; their orders bypass aggregation dedup.
	SkipDedup bool `json:"skip_dedup,omitempty"`
	// Hidden excludes the brand from the UI listing while keeping its
	// connector wiring intact.
	Hidden bool `json:"hidden,omitempty"`

	Schema        []InputField     `json:"schema"`
	DataTransform transform.Schema `json:"dataTransform"`
}

// Validate reports malformed descriptors.
func (c *Config) Validate() error {
	if c.BrandID == "" {
		return fmt.Errorf("missing brand_id")
	}
	if c.BrandName == "" {
		return fmt.Errorf("brand %q: missing brand_name", c.BrandID)
	}
	if len(c.Tools) == 0 {
		return fmt.Errorf("brand %q: no connector tools", c.BrandID)
	}
	if err := c.DataTransform.Validate(); err != nil {
		return fmt.Errorf("brand %q: dataTransform: %w", c.BrandID, err)
	}
	return nil
}

// MCPURLPath returns the connector sub-path for this brand.
func (c *Config) MCPURLPath() string {
	if c.MCPPath == "" {
		return "mcp"
	}
	return c.MCPPath
}

// DataTool returns the tool that retrieves the brand's data batch.
func (c *Config) DataTool() string {
	return c.Tools[0]
}

// DetailsTool returns the per-order details tool, or "" when the brand
// has none.
func (c *Config) DetailsTool() string {
	if len(c.Tools) < 2 {
		return ""
	}
	return c.Tools[1]
}

// CredentialFields returns the schema entries rendered as form inputs,
// excluding click actions.
func (c *Config) CredentialFields() []InputField {
	fields := make([]InputField, 0, len(c.Schema))
	for _, f := range c.Schema {
		if f.Type == InputFieldClick {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}
