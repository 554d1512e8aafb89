package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ts = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestKey_UpstreamIDWins(t *testing.T) {
	key := Key("shopify", "w1", "o1", "SHOPIFY_UPDATED", ts, []byte(`{"a":1}`))
	assert.Equal(t, "shopify:w1", key)

	// Payload must not influence the key when an upstream id is present.
	other := Key("shopify", "w1", "o2", "SHOPIFY_CREATED", ts.Add(time.Hour), []byte(`{"b":2}`))
	assert.Equal(t, key, other)
}

func TestKey_FallbackIsStableAcrossKeyOrder(t *testing.T) {
	a := Key("courier", "", "o1", "COURIER_STATUS_UPDATE", ts,
		[]byte(`{"status":"SHIPPED","trackingNumber":"T1","meta":{"b":2,"a":1}}`))
	b := Key("courier", "", "o1", "COURIER_STATUS_UPDATE", ts,
		[]byte(` {"meta": {"a":1, "b":2}, "trackingNumber":"T1", "status":"SHIPPED"} `))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex sha-256
}

func TestKey_FallbackDistinguishesEvents(t *testing.T) {
	base := Key("courier", "", "o1", "COURIER_STATUS_UPDATE", ts, []byte(`{"status":"SHIPPED"}`))

	assert.NotEqual(t, base, Key("shopify", "", "o1", "COURIER_STATUS_UPDATE", ts, []byte(`{"status":"SHIPPED"}`)))
	assert.NotEqual(t, base, Key("courier", "", "o2", "COURIER_STATUS_UPDATE", ts, []byte(`{"status":"SHIPPED"}`)))
	assert.NotEqual(t, base, Key("courier", "", "o1", "COURIER_STATUS_UPDATE", ts.Add(time.Second), []byte(`{"status":"SHIPPED"}`)))
	assert.NotEqual(t, base, Key("courier", "", "o1", "COURIER_STATUS_UPDATE", ts, []byte(`{"status":"DELIVERED"}`)))
}

func TestStableHash_NumberTextPreserved(t *testing.T) {
	// 1 and 1.0 are distinct payload texts and must hash differently;
	// the canonical form does not collapse numbers through float64.
	assert.NotEqual(t, StableHash([]byte(`{"n":1}`)), StableHash([]byte(`{"n":1.0}`)))
}

func TestStableHash_NonJSONPayload(t *testing.T) {
	a := StableHash([]byte("not json"))
	b := StableHash([]byte("not json"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}
