package consumer

import (
	"encoding/json"
	"time"

	"ordersync/internal/broadcast"
	"ordersync/internal/models"
)

// epoch is the last_event_ts a freshly created order row starts with, so the
// first real event always passes the staleness check.
var epoch = time.Unix(0, 0).UTC()

type outcome string

const (
	outcomeApplied   outcome = "processed"
	outcomeStale     outcome = "stale"
	outcomeDuplicate outcome = "duplicate"
)

// applyResult is what a single event does to an order, computed without
// touching the database so the rules are testable in isolation.
type applyResult struct {
	Outcome outcome

	// Broadcast is the change notification to publish after commit.
	// Nil when the event has no dashboard-facing effect.
	Broadcast *broadcast.ChangeEvent

	// MerchantChanged is the changed-field map for the outbound queue.
	// Nil when the event had no merchant-side effects.
	MerchantChanged map[string]any

	// Shipment is non-nil when a shipment upsert is required.
	Shipment *shipmentUpdate
}

type shipmentUpdate struct {
	TrackingNumber string
	CourierStatus  string
}

type shippingAddress struct {
	Address1 *string `json:"address1"`
	Address2 *string `json:"address2"`
	City     *string `json:"city"`
	Province *string `json:"province"`
	Zip      *string `json:"zip"`
	Country  *string `json:"country"`
}

// merchantPayload is the merchant-side view of an event payload. Courier
// events may also carry a shipping_address, in which case the address rules
// run for them too.
type merchantPayload struct {
	Customer *struct {
		ID models.FlexID `json:"id"`
	} `json:"customer"`
	ShippingAddress  *shippingAddress `json:"shipping_address"`
	FinancialStatus  string           `json:"financial_status"`
	ShippingFeeCents *int64           `json:"shipping_fee_cents"`
	TotalPriceCents  *int64           `json:"total_price_cents"`
}

type courierPayload struct {
	TrackingNumber string `json:"trackingNumber"`
	Status         string `json:"status"`
}

// newOrderFor builds the row the consumer inserts when an event arrives for
// an order it has never seen. A non-create event yields a PENDING_PARTIAL
// placeholder so address and courier updates arriving before the create
// webhook are not lost.
func newOrderFor(msg *models.IngestMessage) *models.Order {
	o := &models.Order{
		OrderID:     msg.OrderID,
		CustomerID:  "unknown",
		Status:      models.StatusPendingPartial,
		LastEventTs: epoch,
	}
	if msg.EventType != models.EventShopifyCreated {
		var p merchantPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.Customer != nil && p.Customer.ID != "" {
			o.CustomerID = string(p.Customer.ID)
		}
	}
	return o
}

// applyEvent runs the state-transition rules for one event against order,
// mutating it in place when the event applies. Last-writer-wins by event
// timestamp:
//   - strictly older than last_event_ts  → stale, order untouched
//   - equal to last_event_ts             → already applied, order untouched
//   - strictly newer                     → payload replaces state, including
//     nulling address fields the payload omits
func applyEvent(order *models.Order, msg *models.IngestMessage, now time.Time) applyResult {
	if msg.EventTs.Before(order.LastEventTs) {
		return applyResult{Outcome: outcomeStale}
	}
	if msg.EventTs.Equal(order.LastEventTs) && order.LastEventTs.After(epoch) {
		return applyResult{Outcome: outcomeDuplicate}
	}

	res := applyResult{Outcome: outcomeApplied}

	switch msg.EventType {
	case models.EventShopifyCreated, models.EventShopifyUpdated:
		res.MerchantChanged = applyMerchant(order, msg)

		summary := "Order Updated"
		if msg.EventType == models.EventShopifyCreated {
			summary = "Order Created"
		}
		res.Broadcast = &broadcast.ChangeEvent{
			OrderID:       order.OrderID,
			ServerTs:      now,
			ChangedFields: res.MerchantChanged,
			Summary:       summary,
		}

	case models.EventCourierStatusUpdate:
		var p courierPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.TrackingNumber != "" {
			res.Shipment = &shipmentUpdate{
				TrackingNumber: p.TrackingNumber,
				CourierStatus:  p.Status,
			}
		}

		// A courier event may also carry merchant-side fields; those still
		// flow outbound, but the courier broadcast supersedes.
		var m merchantPayload
		if err := json.Unmarshal(msg.Payload, &m); err == nil && m.ShippingAddress != nil {
			res.MerchantChanged = applyMerchant(order, msg)
		}

		status := p.Status
		if status == "" {
			status = "UNKNOWN"
		}
		res.Broadcast = &broadcast.ChangeEvent{
			OrderID:       order.OrderID,
			ServerTs:      now,
			ChangedFields: map[string]any{"courierStatus": status},
			Summary:       "Shipment Update: " + status,
		}
	}

	// Every applied event advances the watermark, including types the
	// pipeline has no field rules for.
	order.LastEventTs = msg.EventTs
	return res
}

// applyMerchant overwrites the order's merchant-owned fields from the payload
// and returns the changed-field map. The six address fields are always
// replaced as a unit: a field absent from the payload becomes null.
func applyMerchant(order *models.Order, msg *models.IngestMessage) map[string]any {
	changed := map[string]any{}

	var p merchantPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return changed
	}

	addr := p.ShippingAddress
	if addr == nil {
		addr = &shippingAddress{}
	}
	setAddressField(changed, "address1", &order.Address1, addr.Address1)
	setAddressField(changed, "address2", &order.Address2, addr.Address2)
	setAddressField(changed, "city", &order.City, addr.City)
	setAddressField(changed, "province", &order.Province, addr.Province)
	setAddressField(changed, "zip", &order.Zip, addr.Zip)
	setAddressField(changed, "country", &order.Country, addr.Country)

	if p.Customer != nil && p.Customer.ID != "" && string(p.Customer.ID) != order.CustomerID {
		order.CustomerID = string(p.Customer.ID)
		changed["customerId"] = order.CustomerID
	}
	if p.FinancialStatus != "" && p.FinancialStatus != order.Status {
		order.Status = p.FinancialStatus
		changed["status"] = order.Status
	} else if msg.EventType == models.EventShopifyCreated && order.Status == models.StatusPendingPartial {
		order.Status = "NEW"
		changed["status"] = order.Status
	}
	if p.ShippingFeeCents != nil && *p.ShippingFeeCents >= 0 && *p.ShippingFeeCents != order.ShippingFeeCents {
		order.ShippingFeeCents = *p.ShippingFeeCents
		changed["shippingFeeCents"] = order.ShippingFeeCents
	}
	if p.TotalPriceCents != nil && *p.TotalPriceCents >= 0 && *p.TotalPriceCents != order.TotalAmount {
		order.TotalAmount = *p.TotalPriceCents
		changed["totalAmount"] = order.TotalAmount
	}

	return changed
}

// setAddressField overwrites dst with src (last-writer-wins, nulls included)
// and records the new value in changed when it differs from the old one.
func setAddressField(changed map[string]any, name string, dst **string, src *string) {
	if !strPtrEqual(*dst, src) {
		if src == nil {
			changed[name] = nil
		} else {
			changed[name] = *src
		}
	}
	*dst = src
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
