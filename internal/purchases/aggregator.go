package purchases

import (
	"sync"

	"go.uber.org/zap"
)

// Aggregator merges per-brand purchase batches into one deduplicated,
// session-scoped collection.
//
// Brands may complete near-simultaneously, so every mutation is
// serialized behind a mutex. Deduplication is first-write-wins on order
// id: when a brand reconnects and re-delivers orders the first recorded
// copy survives. Brands in the no-dedup set are always concatenated:
// some providers (fitness-activity sources) emit timestamped events
// without stable order identifiers, where repeats are legitimate data.
type Aggregator struct {
	mu              sync.Mutex
	orders          []PurchaseHistory
	connectedBrands []string
	selected        map[string]bool
	noDedup         map[string]bool
	logger          *zap.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithoutDedup registers brand names whose orders bypass deduplication.
func WithoutDedup(brandNames ...string) Option {
	return func(a *Aggregator) {
		for _, name := range brandNames {
			a.noDedup[name] = true
		}
	}
}

// WithLogger sets the aggregator's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// NewAggregator creates an empty aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		selected: make(map[string]bool),
		noDedup:  make(map[string]bool),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// selectionKey identifies one product line within one order.
func selectionKey(orderID, productName string) string {
	return orderID + "__" + productName
}

// OnBrandConnected records a successful brand connection and merges its
// orders. The brand name is appended even when already present: repeated
// connection attempts are not collapsed at this layer. Malformed entries
// are skipped, never aborting the merge.
func (a *Aggregator) OnBrandConnected(brandName string, newOrders []PurchaseHistory) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connectedBrands = append(a.connectedBrands, brandName)

	// Newly arrived products default to selected.
	for _, order := range newOrders {
		for _, name := range order.ProductNames {
			a.selected[selectionKey(order.OrderID, name)] = true
		}
	}

	combined := append(append([]PurchaseHistory{}, a.orders...), newOrders...)
	a.orders = a.dedupe(combined)

	a.logger.Debug("brand orders merged",
		zap.String("brand", brandName),
		zap.Int("new_orders", len(newOrders)),
		zap.Int("total_orders", len(a.orders)))
}

// dedupe keeps the first occurrence per order id. Orders from no-dedup
// brands and orders without an id always pass through.
func (a *Aggregator) dedupe(orders []PurchaseHistory) []PurchaseHistory {
	seen := make(map[string]bool, len(orders))
	out := make([]PurchaseHistory, 0, len(orders))
	for _, order := range orders {
		if a.noDedup[order.Brand] || order.OrderID == "" {
			out = append(out, order)
			continue
		}
		if seen[order.OrderID] {
			continue
		}
		seen[order.OrderID] = true
		out = append(out, order)
	}
	return out
}

// Orders returns a copy of the aggregated collection.
func (a *Aggregator) Orders() []PurchaseHistory {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]PurchaseHistory{}, a.orders...)
}

// ConnectedBrands returns a copy of the connected brand list, duplicates
// included.
func (a *Aggregator) ConnectedBrands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.connectedBrands...)
}

// ToggleSelection flips whether one product line is included in the
// generation handoff.
func (a *Aggregator) ToggleSelection(orderID, productName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := selectionKey(orderID, productName)
	a.selected[key] = !a.selected[key]
}

// IsSelected reports whether a product line is currently selected.
func (a *Aggregator) IsSelected(orderID, productName string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selected[selectionKey(orderID, productName)]
}

// SelectedOrders returns orders filtered down to their selected product
// lines. Orders with no selected products are omitted. Image URLs track
// product names positionally when the slices are parallel.
func (a *Aggregator) SelectedOrders() []PurchaseHistory {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]PurchaseHistory, 0, len(a.orders))
	for _, order := range a.orders {
		filtered := PurchaseHistory{
			Brand:      order.Brand,
			OrderDate:  order.OrderDate,
			OrderTotal: order.OrderTotal,
			OrderID:    order.OrderID,
		}
		for i, name := range order.ProductNames {
			if !a.selected[selectionKey(order.OrderID, name)] {
				continue
			}
			filtered.ProductNames = append(filtered.ProductNames, name)
			if i < len(order.ImageURLs) {
				filtered.ImageURLs = append(filtered.ImageURLs, order.ImageURLs[i])
			}
		}
		if len(filtered.ProductNames) > 0 {
			out = append(out, filtered)
		}
	}
	return out
}

// Clear atomically resets orders, connected brands, and selection state.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders = nil
	a.connectedBrands = nil
	a.selected = make(map[string]bool)
	a.logger.Debug("aggregated data cleared")
}
