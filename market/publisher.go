package market

import (
	"encoding/json"
	"sync"
	"time"

	"market-access-go/cache"
)

// Update is published whenever fresh data for one symbol lands in the cache.
type Update struct {
	DataType cache.DataType  `json:"data_type"`
	Symbol   string          `json:"symbol"`
	Channel  Channel         `json:"channel"`
	Payload  json.RawMessage `json:"payload"`
	At       time.Time       `json:"at"`
}

// Publisher 一个轻量事件分发器；慢订阅者直接丢弃消息，不阻塞发布方。
type Publisher struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Update
}

func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]chan Update)}
}

// Subscribe returns a channel buffered to size and a func that unsubscribes
// and closes it.
func (p *Publisher) Subscribe(size int) (<-chan Update, func()) {
	if size < 1 {
		size = 1
	}
	ch := make(chan Update, size)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers u to every subscriber with room and returns how many got it.
// Each subscriber gets its own copy of the payload.
func (p *Publisher) Publish(u Update) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, ch := range p.subs {
		v := u
		v.Payload = cloneRaw(u.Payload)
		select {
		case ch <- v:
			n++
		default:
		}
	}
	return n
}

func (p *Publisher) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}
