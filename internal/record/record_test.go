package record

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	key := EncodeKey("AAPL", 1700000000000, 42)
	sym, ts, version, err := DecodeKey(key)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", sym)
	assert.Equal(t, int64(1700000000000), ts)
	assert.Equal(t, uint64(42), version)
}

func TestKeyOrderingNewestVersionFirst(t *testing.T) {
	v1 := EncodeKey("MSFT", 1000, 1)
	v2 := EncodeKey("MSFT", 1000, 2)
	// Higher versions must sort before lower ones within a group.
	assert.Equal(t, -1, bytes.Compare(v2, v1))
}

func TestKeyOrderingBySymbolThenTimestamp(t *testing.T) {
	a := EncodeKey("AAPL", 2000, 1)
	b := EncodeKey("AAPL", 3000, 1)
	c := EncodeKey("GOOG", 1000, 1)
	assert.Equal(t, -1, bytes.Compare(a, b))
	assert.Equal(t, -1, bytes.Compare(b, c))
}

func TestSymbolPrefixNoFalseMatches(t *testing.T) {
	// "AA" as an exact symbol must not capture "AAPL" keys and vice versa.
	exact := SymbolExactPrefix("AA")
	aapl := EncodeKey("AAPL", 1000, 1)
	assert.False(t, bytes.HasPrefix(aapl, exact))
	assert.True(t, bytes.HasPrefix(aapl, SymbolPrefix("AA")))
}

func TestDecodeKeyRejectsMalformed(t *testing.T) {
	_, _, _, err := DecodeKey([]byte("x/not-a-record"))
	assert.Error(t, err)
	_, _, _, err = DecodeKey([]byte("r/short"))
	assert.Error(t, err)
}

func TestCursorSymbol(t *testing.T) {
	full := EncodeKey("TSLA", 1000, 7)
	sym, err := CursorSymbol(full)
	require.NoError(t, err)
	assert.Equal(t, "TSLA", sym)

	bare := SymbolPrefix("NVDA")
	sym, err = CursorSymbol(bare)
	require.NoError(t, err)
	assert.Equal(t, "NVDA", sym)
}

func TestCursorRoundTrip(t *testing.T) {
	key := EncodeKey("AMZN", 5000, 3)
	token := EncodeCursor(key)
	back, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, key, back)

	_, err = DecodeCursor("%%%not-base64%%%")
	assert.Error(t, err)
}

func TestPrefixSuccessor(t *testing.T) {
	assert.Equal(t, []byte("r0"), PrefixSuccessor([]byte("r/")))
	assert.Nil(t, PrefixSuccessor([]byte{0xff, 0xff}))
	assert.Equal(t, []byte{0x01}, PrefixSuccessor([]byte{0x00, 0xff}))
}

func TestQuoteRoundTrip(t *testing.T) {
	q := Quote{
		Open:   decimal.NewFromFloat(187.15),
		High:   decimal.NewFromFloat(189.90),
		Low:    decimal.NewFromFloat(186.07),
		Close:  decimal.NewFromFloat(189.71),
		Volume: 53_000_000,
	}
	payload, err := EncodeQuote(q)
	require.NoError(t, err)

	got, err := DecodeQuote(payload)
	require.NoError(t, err)
	assert.True(t, q.Close.Equal(got.Close))
	assert.Equal(t, q.Volume, got.Volume)
}

func TestErrorCodeRoundTrip(t *testing.T) {
	for _, err := range []error{
		ErrNotFound, ErrCapacityExceeded, ErrStaleEpoch,
		ErrNoPrimaryAvailable, ErrPoolExhausted, ErrDeadlineExceeded,
	} {
		assert.ErrorIs(t, FromCode(CodeOf(err)), err)
	}
	assert.ErrorIs(t, FromCode("some_future_code"), ErrUnavailable)
}
