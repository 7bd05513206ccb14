package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload_JSON(t *testing.T) {
	raw := []byte(`{"meta":{"event_name":"order_created","custom_data":{"user_id":"u1"}},
		"data":{"id":12345678901,"attributes":{"refunded":false,"ends_at":"2026-01-02T03:04:05Z",
		"items":[{"name":"first"}]}}}`)

	p, err := DecodePayload(raw, "application/json; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "order_created", p.String("meta", "event_name"))
	assert.Equal(t, "u1", p.String("meta", "custom_data", "user_id"))
	assert.Equal(t, "12345678901", p.String("data", "id"))
	assert.False(t, p.Bool("data", "attributes", "refunded"))
	assert.Equal(t, "first", p.String("data", "attributes", "items", "0", "name"))
	assert.Equal(t, "", p.String("data", "attributes", "items", "3", "name"))
	assert.NotNil(t, p.Map("meta"))
	assert.Nil(t, p.Map("meta", "event_name"))

	end := p.Time("data", "attributes", "ends_at")
	require.NotNil(t, end)
	assert.True(t, end.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestDecodePayload_Form(t *testing.T) {
	raw := []byte("sale_id=abc&email=buyer%40example.com&refunded=true&url_params%5Buser_id%5D=u9")

	for _, ct := range []string{"application/x-www-form-urlencoded", ""} {
		p, err := DecodePayload(raw, ct)
		require.NoError(t, err)
		assert.Equal(t, "abc", p.String("sale_id"))
		assert.Equal(t, "buyer@example.com", p.String("email"))
		assert.True(t, p.Bool("refunded"))
		assert.Equal(t, "u9", p.String("url_params[user_id]"))
	}
}

func TestDecodePayload_Invalid(t *testing.T) {
	for _, raw := range []string{`{"a":`, `null`, `{"a":1}{"b":2}`} {
		_, err := DecodePayload([]byte(raw), "application/json")
		assert.ErrorIs(t, err, ErrInvalidWebhookPayload, raw)
	}
}

func TestPayload_Timestamps(t *testing.T) {
	p, err := DecodePayload([]byte(`{"s":1767225600,"ms":1767225600000,"zero":0,"bad":"soon"}`), "")
	require.NoError(t, err)

	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NotNil(t, p.Time("s"))
	assert.True(t, p.Time("s").Equal(want))
	require.NotNil(t, p.UnixMillis("ms"))
	assert.True(t, p.UnixMillis("ms").Equal(want))
	assert.Nil(t, p.Time("zero"))
	assert.Nil(t, p.Time("bad"))
	assert.Nil(t, p.Time("missing"))
}
