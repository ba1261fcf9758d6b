package purchases

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gatherd/internal/transform"
)

func order(brand, id string, products ...string) PurchaseHistory {
	return PurchaseHistory{
		Brand:        brand,
		OrderID:      id,
		OrderTotal:   "$10.00",
		ProductNames: products,
	}
}

func TestAggregator_DedupFirstWriteWins(t *testing.T) {
	agg := NewAggregator()

	first := order("Amazon", "o1", "Headphones")
	first.OrderTotal = "$89.97"
	agg.OnBrandConnected("Amazon", []PurchaseHistory{first})

	// Reconnect delivers o1 again (with a different total) plus o2.
	second := order("Amazon", "o1", "Headphones")
	second.OrderTotal = "$0.01"
	agg.OnBrandConnected("Amazon", []PurchaseHistory{second, order("Amazon", "o2", "Mug")})

	orders := agg.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, "o1", orders[0].OrderID)
	assert.Equal(t, "$89.97", orders[0].OrderTotal, "first write wins")
	assert.Equal(t, "o2", orders[1].OrderID)
}

func TestAggregator_NoDedupBrands(t *testing.T) {
	agg := NewAggregator(WithoutDedup("Garmin"))

	run := order("Garmin", "act-1", "Morning Run")
	agg.OnBrandConnected("Garmin", []PurchaseHistory{run})
	agg.OnBrandConnected("Garmin", []PurchaseHistory{run})
	agg.OnBrandConnected("Garmin", []PurchaseHistory{run})

	assert.Len(t, agg.Orders(), 3, "excluded brands keep repeated ids")
	assert.Len(t, agg.ConnectedBrands(), 3, "repeat connections are not collapsed")
}

func TestAggregator_EmptyOrderIDSkipsDedup(t *testing.T) {
	agg := NewAggregator()

	agg.OnBrandConnected("Wayfair", []PurchaseHistory{order("Wayfair", "", "Sofa")})
	agg.OnBrandConnected("Wayfair", []PurchaseHistory{order("Wayfair", "", "Rug")})

	assert.Len(t, agg.Orders(), 2)
}

func TestAggregator_Clear(t *testing.T) {
	agg := NewAggregator()
	agg.OnBrandConnected("Amazon", []PurchaseHistory{order("Amazon", "o1", "Lamp")})
	require.NotEmpty(t, agg.Orders())
	require.True(t, agg.IsSelected("o1", "Lamp"))

	agg.Clear()

	assert.Empty(t, agg.Orders())
	assert.Empty(t, agg.ConnectedBrands())
	assert.False(t, agg.IsSelected("o1", "Lamp"))
}

func TestAggregator_Selection(t *testing.T) {
	agg := NewAggregator()
	o := order("Amazon", "o1", "Lamp", "Mug")
	o.ImageURLs = []string{"/lamp.jpg", "/mug.jpg"}
	agg.OnBrandConnected("Amazon", []PurchaseHistory{o})

	// Everything selected by default.
	selected := agg.SelectedOrders()
	require.Len(t, selected, 1)
	assert.Equal(t, []string{"Lamp", "Mug"}, selected[0].ProductNames)

	agg.ToggleSelection("o1", "Lamp")
	selected = agg.SelectedOrders()
	require.Len(t, selected, 1)
	assert.Equal(t, []string{"Mug"}, selected[0].ProductNames)
	assert.Equal(t, []string{"/mug.jpg"}, selected[0].ImageURLs)

	agg.ToggleSelection("o1", "Mug")
	assert.Empty(t, agg.SelectedOrders(), "orders with nothing selected are omitted")
}

func TestAggregator_ConcurrentMerges(t *testing.T) {
	agg := NewAggregator()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("o%d", n)
			agg.OnBrandConnected("Amazon", []PurchaseHistory{order("Amazon", id, "Item")})
		}(i)
	}
	wg.Wait()

	assert.Len(t, agg.Orders(), 8, "no lost updates under concurrent completion")
	assert.Len(t, agg.ConnectedBrands(), 8)
}

func TestFromRecords(t *testing.T) {
	when := time.Date(2025, time.June, 4, 0, 0, 0, 0, time.UTC)
	records := []transform.Record{
		{
			"order_id":      "A1",
			"order_total":   "$19.99",
			"order_date":    when,
			"product_names": []any{"Lamp", "Mug"},
			"image_urls":    []any{"/lamp.jpg"},
		},
		{
			// Malformed fields degrade to zero values.
			"order_id":      float64(42),
			"order_total":   nil,
			"product_names": "single",
		},
	}

	out := FromRecords("Wayfair", records)
	require.Len(t, out, 2)

	assert.Equal(t, "Wayfair", out[0].Brand)
	assert.Equal(t, "A1", out[0].OrderID)
	require.NotNil(t, out[0].OrderDate)
	assert.True(t, out[0].OrderDate.Equal(when))
	assert.Equal(t, []string{"Lamp", "Mug"}, out[0].ProductNames)

	assert.Empty(t, out[1].OrderID)
	assert.Nil(t, out[1].OrderDate)
	assert.Equal(t, []string{"single"}, out[1].ProductNames)
}
