package gateway

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	batch   bool
	path    string
	symbols []string
	params  map[string]string
}

type recordingTransport struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *recordingTransport) FetchSingle(_ context.Context, path, _ string, params map[string]string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{path: path, params: params})
	return []byte("[]"), nil
}

func (r *recordingTransport) FetchBatch(_ context.Context, path, _ string, symbols []string, params map[string]string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{batch: true, path: path, symbols: symbols, params: params})
	return []byte("[]"), nil
}

func TestDispatcherPlan(t *testing.T) {
	d := NewDispatcher(&recordingTransport{})

	assert.Nil(t, d.Plan(TickerEndpoint, nil, nil))

	calls := d.Plan(TickerEndpoint, []string{"KRW-BTC", "KRW-ETH", "KRW-XRP"}, nil)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Batched())

	calls = d.Plan(TickerEndpoint, []string{"KRW-BTC"}, nil)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Batched())

	calls = d.Plan(CandleEndpoint("minutes/15"), []string{"KRW-BTC", "KRW-ETH"}, map[string]string{"count": "50"})
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.False(t, c.Batched())
		assert.Equal(t, "/v1/candles/minutes/15", c.Endpoint.Path)
	}
}

func TestDispatcherDo(t *testing.T) {
	tr := &recordingTransport{}
	d := NewDispatcher(tr)
	ctx := context.Background()

	for _, c := range d.Plan(TickerEndpoint, []string{"KRW-ETH", "KRW-BTC"}, nil) {
		_, err := d.Do(ctx, c)
		require.NoError(t, err)
	}
	shared := map[string]string{"count": "5"}
	for _, c := range d.Plan(TradesEndpoint, []string{"KRW-BTC", "KRW-ETH"}, shared) {
		_, err := d.Do(ctx, c)
		require.NoError(t, err)
	}

	require.Len(t, tr.calls, 3)
	assert.True(t, tr.calls[0].batch)
	assert.Equal(t, []string{"KRW-ETH", "KRW-BTC"}, tr.calls[0].symbols, "symbols pass through unchanged")

	assert.Equal(t, map[string]string{"count": "5", "market": "KRW-BTC"}, tr.calls[1].params)
	assert.Equal(t, map[string]string{"count": "5", "market": "KRW-ETH"}, tr.calls[2].params)
	assert.Equal(t, map[string]string{"count": "5"}, shared, "caller params are not mutated")
}

func TestValidTimeframe(t *testing.T) {
	assert.True(t, ValidTimeframe("minutes/240"))
	assert.True(t, ValidTimeframe("days"))
	assert.False(t, ValidTimeframe("minutes/2"))
	assert.False(t, ValidTimeframe(""))
}
