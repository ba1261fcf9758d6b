// Package purchases holds the normalized purchase-history model and the
// session-scoped aggregator that merges per-brand batches.
package purchases

import (
	"time"

	"github.com/fyrsmithlabs/gatherd/internal/transform"
)

// PurchaseHistory is one normalized order record.
//
// ProductNames and ImageURLs are conventionally parallel slices of equal
// length; the convention is not enforced because upstream payloads do not
// always honor it. OrderID is unique within a brand and drives
// deduplication once aggregated.
type PurchaseHistory struct {
	Brand        string     `json:"brand"`
	OrderDate    *time.Time `json:"order_date"`
	OrderTotal   string     `json:"order_total"`
	OrderID      string     `json:"order_id"`
	ProductNames []string   `json:"product_names"`
	ImageURLs    []string   `json:"image_urls"`
}

// FromRecords builds purchase records from transform engine output,
// stamping every record with the brand's display name. Records are
// value-converted defensively: a field of the wrong shape degrades to its
// zero value rather than dropping the record.
func FromRecords(brandName string, records []transform.Record) []PurchaseHistory {
	out := make([]PurchaseHistory, 0, len(records))
	for _, r := range records {
		out = append(out, PurchaseHistory{
			Brand:        brandName,
			OrderDate:    dateField(r["order_date"]),
			OrderTotal:   stringField(r["order_total"]),
			OrderID:      stringField(r["order_id"]),
			ProductNames: stringSliceField(r["product_names"]),
			ImageURLs:    stringSliceField(r["image_urls"]),
		})
	}
	return out
}

func dateField(v any) *time.Time {
	switch d := v.(type) {
	case time.Time:
		return &d
	case *time.Time:
		return d
	case []any:
		// Date mappings with convertToArray wrap the parsed value.
		if len(d) > 0 {
			return dateField(d[0])
		}
	}
	return nil
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

func stringSliceField(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		if s, isString := v.(string); isString && s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
