// Package transform implements the schema-driven engine that reshapes raw
// provider payloads into normalized purchase records.
//
// Connector payloads are heterogeneous and semi-structured: some brands
// return flat arrays, others nest the item list behind GraphQL envelopes,
// and several JSON-encode fragments as strings. Each brand ships a
// declarative Schema describing where the item list lives and how each
// output field is derived. The engine never returns an error and never
// panics. On any failure it logs and yields an
// empty result so a bad payload can't take the caller down.
package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Transform names a value transformation applied after path resolution.
const (
	TransformCurrency = "currency"
	TransformDate     = "date"
	TransformImage    = "image"
	TransformString   = "string"
	TransformArray    = "array"
)

// FieldMapping derives one output field from a source payload.
type FieldMapping struct {
	// OutputKey is the key in the produced record.
	OutputKey string `json:"outputKey"`
	// SourcePath locates the raw value within one item.
	SourcePath string `json:"sourcePath"`
	// Transform optionally names a transformation (currency, date, image,
	// string, array). Empty means stringify.
	Transform string `json:"transform,omitempty"`
	// DefaultValue substitutes for absent source values.
	DefaultValue string `json:"defaultValue,omitempty"`
	// FormatTemplate formats currency ({symbol}{amount}) and string
	// ({value} or ${value}) transforms.
	FormatTemplate string `json:"formatTemplate,omitempty"`
	// ConvertToArray wraps scalar results in a singleton array.
	ConvertToArray bool `json:"convertToArray,omitempty"`
}

// Schema declares how a brand's raw payload becomes normalized records.
type Schema struct {
	// DataPath locates the item array when the payload is not already one.
	DataPath string `json:"dataPath"`
	// FieldMappings is non-empty for every valid schema.
	FieldMappings []FieldMapping `json:"fieldMappings"`
}

// Validate reports statically malformed schemas.
func (s Schema) Validate() error {
	if len(s.FieldMappings) == 0 {
		return fmt.Errorf("schema has no field mappings")
	}
	for i, m := range s.FieldMappings {
		if m.OutputKey == "" {
			return fmt.Errorf("field mapping %d: missing outputKey", i)
		}
		if _, err := ParsePath(m.SourcePath); err != nil {
			return fmt.Errorf("field mapping %q: %w", m.OutputKey, err)
		}
	}
	return nil
}

// Record is one normalized item. Values are strings, time.Time, or
// mixed []any of those, depending on the mapping's transform.
type Record map[string]any

// Engine evaluates transform schemas against raw payloads.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates an engine. A nil logger disables logging.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Transform reshapes rawData according to schema.
//
// If rawData is already a []any it is used as the item list directly;
// otherwise schema.DataPath is resolved against it. A path that does not
// yield an array logs a warning and produces an empty result. The method
// never panics: unexpected failures are recovered, logged, and degrade to
// an empty slice.
func (e *Engine) Transform(rawData any, schema Schema) (out []Record) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("data transform panicked",
				zap.String("data_path", schema.DataPath),
				zap.Any("panic", r))
			out = []Record{}
		}
	}()

	items, ok := rawData.([]any)
	if !ok {
		path, err := ParsePath(schema.DataPath)
		if err != nil {
			e.logger.Warn("malformed data path",
				zap.String("data_path", schema.DataPath),
				zap.Error(err))
			return []Record{}
		}
		items, ok = path.Resolve(rawData).([]any)
		if !ok {
			e.logger.Warn("data path does not resolve to an array",
				zap.String("data_path", schema.DataPath))
			return []Record{}
		}
	}

	out = make([]Record, 0, len(items))
	for _, item := range items {
		record := make(Record, len(schema.FieldMappings))
		for _, mapping := range schema.FieldMappings {
			record[mapping.OutputKey] = e.apply(item, mapping)
		}
		out = append(out, record)
	}
	return out
}

// apply resolves one mapping against one item and runs its transform.
func (e *Engine) apply(item any, mapping FieldMapping) any {
	var raw any
	if path, err := ParsePath(mapping.SourcePath); err == nil {
		raw = path.Resolve(item)
	} else {
		e.logger.Warn("malformed source path",
			zap.String("source_path", mapping.SourcePath),
			zap.Error(err))
	}

	if raw == nil {
		if mapping.ConvertToArray {
			return []any{mapping.DefaultValue}
		}
		return mapping.DefaultValue
	}

	result := applyTransform(raw, mapping)
	if mapping.ConvertToArray {
		if arr, ok := result.([]any); ok {
			return arr
		}
		return []any{result}
	}
	return result
}

func applyTransform(value any, mapping FieldMapping) any {
	switch mapping.Transform {
	case TransformCurrency:
		return transformCurrency(value, mapping.FormatTemplate)
	case TransformString:
		return transformString(value, mapping.FormatTemplate)
	case TransformImage:
		return transformImage(value)
	case TransformDate:
		return transformDate(value)
	case TransformArray:
		if arr, ok := value.([]any); ok {
			return stringifyAll(arr)
		}
		return []any{stringify(value)}
	default:
		if arr, ok := value.([]any); ok {
			return stringifyAll(arr)
		}
		return stringify(value)
	}
}

// transformCurrency formats {currency: {symbol}, amount} objects through
// the mapping's template; anything else is stringified.
func transformCurrency(value any, template string) any {
	obj, ok := value.(map[string]any)
	if !ok {
		return stringify(value)
	}
	currency, hasCurrency := obj["currency"].(map[string]any)
	amount, hasAmount := obj["amount"]
	if !hasCurrency || !hasAmount || amount == nil {
		return stringify(value)
	}

	if template == "" {
		template = "{symbol}{amount}"
	}
	symbol, _ := currency["symbol"].(string)
	if symbol == "" {
		symbol = "$"
	}
	amountStr := stringify(amount)
	if amountStr == "" {
		amountStr = "0.00"
	}

	formatted := strings.Replace(template, "{symbol}", symbol, 1)
	formatted = strings.Replace(formatted, "{amount}", amountStr, 1)
	return formatted
}

func transformString(value any, template string) any {
	s := stringify(value)
	if strings.Contains(template, "{value}") {
		return strings.Replace(template, "{value}", s, 1)
	}
	if strings.Contains(template, "${value}") {
		return strings.Replace(template, "${value}", s, 1)
	}
	return s
}

// transformImage keeps only string entries from arrays; scalars are
// stringified. Upstream image lists mix URLs with placeholder objects.
func transformImage(value any) any {
	arr, ok := value.([]any)
	if !ok {
		return stringify(value)
	}
	urls := make([]any, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok && s != "" {
			urls = append(urls, s)
		}
	}
	return urls
}

var (
	orderedOnPattern = regexp.MustCompile(`(?i)Ordered On:\s*(\w+ \d+, \d+)`)
	closedOnPattern  = regexp.MustCompile(`closed on (\w+ \d+, \d+)`)
)

// transformDate parses dates out of the messy formats the connectors
// surface. Arrays are mapped per element. Strings go through an ordered
// chain: "Ordered On: <Month Day, Year>" fragments (Wayfair glues the
// order number onto the date), "closed on <Month Day, Year>" return
// notices, then generic parsing of the whole string. Objects carrying a
// displayDate yield that field as a string.
func transformDate(value any) any {
	switch v := value.(type) {
	case []any:
		mapped := make([]any, len(v))
		for i, item := range v {
			if s, ok := item.(string); ok {
				mapped[i] = parseDateString(s)
			} else {
				mapped[i] = item
			}
		}
		return mapped
	case string:
		return parseDateString(v)
	case map[string]any:
		if display, ok := v["displayDate"].(string); ok {
			return display
		}
		return stringify(v)
	default:
		return parseDateString(stringify(value))
	}
}

// parseDateString returns a time.Time when any stage of the chain
// succeeds, otherwise the raw string unchanged.
func parseDateString(s string) any {
	if m := orderedOnPattern.FindStringSubmatch(s); m != nil {
		if t, ok := parseLongDate(m[1]); ok {
			return t
		}
	}
	if m := closedOnPattern.FindStringSubmatch(s); m != nil {
		if t, ok := parseLongDate(m[1]); ok {
			return t
		}
	}
	if t, ok := parseGenericDate(s); ok {
		return t
	}
	return s
}

func parseLongDate(s string) (time.Time, bool) {
	for _, layout := range []string{"January 2, 2006", "Jan 2, 2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// genericDateLayouts covers the formats observed across connector
// payloads. Ordered most to least specific.
var genericDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"01/02/2006",
	"1/2/2006",
	"02 Jan 2006",
}

func parseGenericDate(s string) (time.Time, bool) {
	for _, layout := range genericDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func stringifyAll(arr []any) []any {
	out := make([]any, len(arr))
	for i, v := range arr {
		out[i] = stringify(v)
	}
	return out
}

// stringify renders a scalar the way the UI expects to display it.
func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing ".00" noise.
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}
