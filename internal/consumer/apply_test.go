package consumer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/internal/models"
)

var (
	t0  = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	now = time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
)

func ingestMsg(eventType string, ts time.Time, payload string) *models.IngestMessage {
	source := models.SourceShopify
	if eventType == models.EventCourierStatusUpdate {
		source = models.SourceCourier
	}
	return &models.IngestMessage{
		Source:    source,
		OrderID:   "o1",
		DedupeKey: "k1",
		EventType: eventType,
		EventTs:   ts,
		Payload:   json.RawMessage(payload),
	}
}

func str(s string) *string { return &s }

func TestApply_CreatePopulatesOrder(t *testing.T) {
	msg := ingestMsg(models.EventShopifyCreated, t0, `{
		"id": "o1",
		"customer": {"id": "c1"},
		"shipping_address": {"address1": "A", "city": "X", "province": "NY", "zip": "10001", "country": "US"},
		"financial_status": "paid",
		"shipping_fee_cents": 500,
		"total_price_cents": 12000
	}`)

	order := newOrderFor(msg)
	res := applyEvent(order, msg, now)

	require.Equal(t, outcomeApplied, res.Outcome)
	assert.Equal(t, "c1", order.CustomerID)
	assert.Equal(t, "paid", order.Status)
	assert.Equal(t, int64(500), order.ShippingFeeCents)
	assert.Equal(t, int64(12000), order.TotalAmount)
	require.NotNil(t, order.City)
	assert.Equal(t, "X", *order.City)
	assert.Nil(t, order.Address2)
	assert.True(t, order.LastEventTs.Equal(t0))

	require.NotNil(t, res.Broadcast)
	assert.Equal(t, "Order Created", res.Broadcast.Summary)
	assert.Equal(t, now, res.Broadcast.ServerTs)
	require.NotNil(t, res.MerchantChanged)
	assert.Equal(t, "X", res.MerchantChanged["city"])
	assert.Nil(t, res.Shipment)
}

func TestApply_UpdateIsLastWriterWinsIncludingNulls(t *testing.T) {
	order := &models.Order{
		OrderID:     "o1",
		CustomerID:  "c1",
		Status:      "paid",
		Address1:    str("A"),
		City:        str("X"),
		Province:    str("NY"),
		Zip:         str("10001"),
		Country:     str("US"),
		LastEventTs: t0,
	}

	// The update payload carries only city: every other address field is
	// nulled out — payload replaces state.
	msg := ingestMsg(models.EventShopifyUpdated, t0.Add(time.Minute),
		`{"id": "o1", "shipping_address": {"city": "Y"}}`)
	res := applyEvent(order, msg, now)

	require.Equal(t, outcomeApplied, res.Outcome)
	require.NotNil(t, order.City)
	assert.Equal(t, "Y", *order.City)
	assert.Nil(t, order.Address1)
	assert.Nil(t, order.Province)
	assert.Nil(t, order.Zip)
	assert.Nil(t, order.Country)
	assert.True(t, order.LastEventTs.Equal(t0.Add(time.Minute)))

	assert.Equal(t, "Y", res.MerchantChanged["city"])
	assert.Nil(t, res.MerchantChanged["address1"])
	assert.Contains(t, res.MerchantChanged, "address1")
	assert.Equal(t, "Order Updated", res.Broadcast.Summary)
}

func TestApply_StaleEventIsIgnored(t *testing.T) {
	order := &models.Order{OrderID: "o1", City: str("X"), LastEventTs: t0.Add(5 * time.Minute)}

	msg := ingestMsg(models.EventShopifyUpdated, t0.Add(2*time.Minute),
		`{"id": "o1", "shipping_address": {"city": "Y"}}`)
	res := applyEvent(order, msg, now)

	assert.Equal(t, outcomeStale, res.Outcome)
	assert.Equal(t, "X", *order.City)
	assert.True(t, order.LastEventTs.Equal(t0.Add(5*time.Minute)))
	assert.Nil(t, res.Broadcast)
	assert.Nil(t, res.MerchantChanged)
}

func TestApply_EqualTimestampIsDuplicate(t *testing.T) {
	order := &models.Order{OrderID: "o1", City: str("X"), LastEventTs: t0}

	msg := ingestMsg(models.EventShopifyUpdated, t0,
		`{"id": "o1", "shipping_address": {"city": "Y"}}`)
	res := applyEvent(order, msg, now)

	assert.Equal(t, outcomeDuplicate, res.Outcome)
	assert.Equal(t, "X", *order.City)
}

func TestApply_CourierUpsertsShipmentAndAdvancesWatermark(t *testing.T) {
	order := &models.Order{OrderID: "o1", LastEventTs: t0}

	msg := ingestMsg(models.EventCourierStatusUpdate, t0.Add(2*time.Minute),
		`{"orderId": "o1", "trackingNumber": "T1", "status": "SHIPPED"}`)
	res := applyEvent(order, msg, now)

	require.Equal(t, outcomeApplied, res.Outcome)
	require.NotNil(t, res.Shipment)
	assert.Equal(t, "T1", res.Shipment.TrackingNumber)
	assert.Equal(t, "SHIPPED", res.Shipment.CourierStatus)
	assert.True(t, order.LastEventTs.Equal(t0.Add(2*time.Minute)))

	require.NotNil(t, res.Broadcast)
	assert.Equal(t, "Shipment Update: SHIPPED", res.Broadcast.Summary)
	assert.Equal(t, map[string]any{"courierStatus": "SHIPPED"}, res.Broadcast.ChangedFields)

	// Courier-only events carry no merchant-side changes outbound.
	assert.Nil(t, res.MerchantChanged)
}

func TestApply_CourierWithoutTrackingStillAdvances(t *testing.T) {
	order := &models.Order{OrderID: "o1", LastEventTs: t0}

	msg := ingestMsg(models.EventCourierStatusUpdate, t0.Add(time.Minute),
		`{"orderId": "o1", "status": "IN_TRANSIT"}`)
	res := applyEvent(order, msg, now)

	require.Equal(t, outcomeApplied, res.Outcome)
	assert.Nil(t, res.Shipment)
	assert.True(t, order.LastEventTs.Equal(t0.Add(time.Minute)))
	assert.Equal(t, "Shipment Update: IN_TRANSIT", res.Broadcast.Summary)
}

func TestApply_CourierBroadcastSupersedesMerchantEffects(t *testing.T) {
	order := &models.Order{OrderID: "o1", LastEventTs: t0}

	// One message with both courier and address effects: the address change
	// flows outbound, the broadcast is the courier one.
	msg := ingestMsg(models.EventCourierStatusUpdate, t0.Add(time.Minute),
		`{"orderId": "o1", "trackingNumber": "T1", "status": "SHIPPED",
		  "shipping_address": {"city": "Z"}}`)
	res := applyEvent(order, msg, now)

	require.Equal(t, outcomeApplied, res.Outcome)
	require.NotNil(t, res.MerchantChanged)
	assert.Equal(t, "Z", res.MerchantChanged["city"])
	assert.Equal(t, "Shipment Update: SHIPPED", res.Broadcast.Summary)
	assert.Equal(t, map[string]any{"courierStatus": "SHIPPED"}, res.Broadcast.ChangedFields)
}

func TestApply_UnknownEventTypeOnlyAdvancesWatermark(t *testing.T) {
	order := &models.Order{OrderID: "o1", City: str("X"), LastEventTs: t0}

	msg := ingestMsg("SHOPIFY_CANCELLED", t0.Add(time.Minute), `{"id": "o1"}`)
	res := applyEvent(order, msg, now)

	require.Equal(t, outcomeApplied, res.Outcome)
	assert.Equal(t, "X", *order.City)
	assert.True(t, order.LastEventTs.Equal(t0.Add(time.Minute)))
	assert.Nil(t, res.Broadcast)
	assert.Nil(t, res.MerchantChanged)
}

func TestNewOrderFor_NonCreateYieldsPendingPartial(t *testing.T) {
	msg := ingestMsg(models.EventCourierStatusUpdate, t0, `{"orderId": "o1", "status": "SHIPPED"}`)
	order := newOrderFor(msg)

	assert.Equal(t, models.StatusPendingPartial, order.Status)
	assert.Equal(t, "unknown", order.CustomerID)
	assert.Equal(t, int64(0), order.TotalAmount)
	assert.True(t, order.LastEventTs.Equal(epoch))
}

func TestNewOrderFor_PartialTakesCustomerFromPayload(t *testing.T) {
	msg := ingestMsg(models.EventShopifyUpdated, t0, `{"id": "o1", "customer": {"id": 42}}`)
	order := newOrderFor(msg)

	assert.Equal(t, models.StatusPendingPartial, order.Status)
	assert.Equal(t, "42", order.CustomerID) // numeric ids normalise to strings
}

func TestApply_CreateWithoutFinancialStatusDefaults(t *testing.T) {
	msg := ingestMsg(models.EventShopifyCreated, t0, `{"id": "o1"}`)
	order := newOrderFor(msg)
	res := applyEvent(order, msg, now)

	require.Equal(t, outcomeApplied, res.Outcome)
	assert.Equal(t, "NEW", order.Status)
}

func TestAlreadyHandled_TerminalRowsOnly(t *testing.T) {
	assert.False(t, alreadyHandled(nil))
	assert.False(t, alreadyHandled(&models.InboxEvent{Status: models.InboxReceived}))

	// A redelivered message whose row reached any terminal state must be
	// dropped without reprocessing.
	for _, status := range []string{
		models.InboxProcessed,
		models.InboxIgnoredStale,
		models.InboxDuplicateIgnored,
		models.InboxFailed,
	} {
		assert.True(t, alreadyHandled(&models.InboxEvent{Status: status}), status)
	}
}

func TestApply_CreateUpgradesPendingPartial(t *testing.T) {
	// Courier event arrived first; the late create must replace the
	// placeholder status and fill the merchant fields.
	courier := ingestMsg(models.EventCourierStatusUpdate, t0.Add(5*time.Minute),
		`{"orderId": "o1", "trackingNumber": "T1", "status": "SHIPPED"}`)
	order := newOrderFor(courier)
	applyEvent(order, courier, now)

	create := ingestMsg(models.EventShopifyCreated, t0.Add(10*time.Minute), `{
		"id": "o1", "customer": {"id": "c1"},
		"shipping_address": {"city": "X"}, "financial_status": "paid"
	}`)
	res := applyEvent(order, create, now)

	require.Equal(t, outcomeApplied, res.Outcome)
	assert.Equal(t, "paid", order.Status)
	assert.Equal(t, "c1", order.CustomerID)
	assert.Equal(t, "X", *order.City)
}
