package exchange

import (
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Signing vector from Kraken's API documentation.
func TestKrakenSignMatchesDocumentedVector(t *testing.T) {
	k, err := NewKraken("key", "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg==")
	require.NoError(t, err)

	form := url.Values{}
	form.Set("nonce", "1616492376594")
	form.Set("ordertype", "limit")
	form.Set("pair", "XBTUSD")
	form.Set("price", "37500")
	form.Set("type", "buy")
	form.Set("volume", "1.25")

	sig := k.sign("/0/private/AddOrder", "1616492376594", form)
	assert.Equal(t, "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ==", sig)
}

func TestNewKrakenRejectsNonBase64Secret(t *testing.T) {
	_, err := NewKraken("key", "not-base64!!!")
	assert.Error(t, err)
}

func TestKrakenPairNormalization(t *testing.T) {
	assert.Equal(t, "XBTUSD", krakenPair("BTC/USD"))
	assert.Equal(t, "ETHUSD", krakenPair("ETH/USD"))
}

func TestKrakenErrorClassification(t *testing.T) {
	k, err := NewKraken("key", "c2VjcmV0")
	require.NoError(t, err)

	err = k.classifyKrakenErrors("place_order", []string{"EAPI:Rate limit exceeded"})
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.True(t, k.IsRateLimited())

	err = k.classifyKrakenErrors("place_order", []string{"EAPI:Invalid key"})
	var auth *AuthenticationError
	require.ErrorAs(t, err, &auth)

	err = k.classifyKrakenErrors("get_order_status", []string{"EOrder:Unknown order"})
	var nf *OrderNotFoundError
	require.ErrorAs(t, err, &nf)

	assert.NoError(t, k.classifyKrakenErrors("place_order", nil))
}

func TestKrakenStatusMapping(t *testing.T) {
	assert.Equal(t, "open", string(mapKrakenStatus("open", decimal.Zero)))
	assert.Equal(t, "partially_filled", string(mapKrakenStatus("open", decimal.NewFromFloat(0.5))))
	assert.Equal(t, "filled", string(mapKrakenStatus("closed", decimal.NewFromInt(1))))
	assert.Equal(t, "cancelled", string(mapKrakenStatus("canceled", decimal.Zero)))
	assert.Equal(t, "cancelled", string(mapKrakenStatus("expired", decimal.Zero)))
}

func TestParseKrakenTicker(t *testing.T) {
	snap, ok := parseKrakenTicker([]byte(`{"channel":"ticker","type":"update","data":[{"symbol":"BTC/USD","bid":59990.5,"ask":60009.5}]}`))
	require.True(t, ok)
	assert.Equal(t, "BTC/USD", snap.Asset)
	assert.True(t, snap.Bid.Equal(decimal.NewFromFloat(59990.5)))
	assert.True(t, snap.Ask.Equal(decimal.NewFromFloat(60009.5)))

	_, ok = parseKrakenTicker([]byte(`{"channel":"heartbeat"}`))
	assert.False(t, ok)
}
