package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublisherDropsForSlowSubscribers(t *testing.T) {
	pub := NewPublisher()
	fast, cancelFast := pub.Subscribe(2)
	_, cancelSlow := pub.Subscribe(1)
	defer cancelSlow()

	assert.Equal(t, 2, pub.Publish(Update{Symbol: "KRW-BTC"}))
	assert.Equal(t, 1, pub.Publish(Update{Symbol: "KRW-ETH"}), "slow subscriber is full")

	assert.Equal(t, "KRW-BTC", (<-fast).Symbol)
	assert.Equal(t, "KRW-ETH", (<-fast).Symbol)

	cancelFast()
	cancelFast()
	_, open := <-fast
	assert.False(t, open)
	assert.Equal(t, 1, pub.Subscribers())
}
