package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDepthEvent(t *testing.T) {
	msg := []byte(`{"e":"depthUpdate","E":1700000000123,"s":"BTCUSDT",` +
		`"U":157,"u":160,"pu":156,` +
		`"b":[["50000.10","1.5"],["49999.00","0"]],` +
		`"a":[["50001.00","2.0"],["bogus","1"]]}`)

	d, err := parseDepthEvent(msg)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, int64(157), d.FirstID)
	assert.Equal(t, int64(160), d.FinalID)
	assert.Equal(t, int64(156), d.PrevFinalID)
	assert.Equal(t, int64(1700000000123), d.EventTime)
	require.Len(t, d.Bids, 2)
	assert.Equal(t, 50000.10, d.Bids[0].Price)
	assert.Zero(t, d.Bids[1].Quantity)
	// Unparsable levels are dropped, not fatal.
	require.Len(t, d.Asks, 1)
}

func TestParseDepthEventIgnoresOtherTypes(t *testing.T) {
	d, err := parseDepthEvent([]byte(`{"e":"aggTrade","s":"BTCUSDT"}`))
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = parseDepthEvent([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestParseDepthEventMalformed(t *testing.T) {
	_, err := parseDepthEvent([]byte(`{nope`))
	assert.Error(t, err)
}

func TestParseEnvelope(t *testing.T) {
	env, err := parseEnvelope([]byte(`{"stream":"ethusdt@depth@100ms","data":{"e":"depthUpdate"}}`))
	require.NoError(t, err)
	assert.Equal(t, "ethusdt@depth@100ms", env.Stream)
	assert.Equal(t, "ETHUSDT", SymbolFromStream(env.Stream))
	assert.JSONEq(t, `{"e":"depthUpdate"}`, string(env.Data))
}
