package alert

import (
	"fmt"
	"sync"
	"time"

	"market-access-go/clock"
)

type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Throttler 告警限流器，同一 key 在 interval 内只放行一次
type Throttler struct {
	clock    clock.Clock
	interval time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewThrottler(interval time.Duration, clk clock.Clock) *Throttler {
	return &Throttler{
		clock:    clock.OrSystem(clk),
		interval: interval,
		lastSent: make(map[string]time.Time),
	}
}

// Allow 检查是否允许发送
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	last, ok := t.lastSent[key]
	if !ok || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
}

func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// Manager fans alerts out to every channel. Alerts with the same level and
// message are throttled as one.
type Manager struct {
	clock    clock.Clock
	throttle *Throttler

	mu       sync.RWMutex
	channels []Channel
	sent     int
	dropped  int
}

func NewManager(channels []Channel, throttleInterval time.Duration, clk clock.Clock) *Manager {
	clk = clock.OrSystem(clk)
	return &Manager{
		clock:    clk,
		throttle: NewThrottler(throttleInterval, clk),
		channels: channels,
	}
}

// Send 发送告警；被限流时静默忽略。所有通道都失败时返回最后一个错误。
func (m *Manager) Send(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = m.clock.Now()
	}
	if !m.throttle.Allow(fmt.Sprintf("%s:%s", alert.Level, alert.Message)) {
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	m.sent++
	channels := append([]Channel(nil), m.channels...)
	m.mu.Unlock()

	var lastErr error
	ok := 0
	for _, ch := range channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (m *Manager) Warning(message string, fields map[string]any) error {
	return m.Send(Alert{Level: LevelWarning, Message: message, Fields: fields})
}

func (m *Manager) Error(message string, fields map[string]any) error {
	return m.Send(Alert{Level: LevelError, Message: message, Fields: fields})
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filtered := m.channels[:0:0]
	for _, ch := range m.channels {
		if ch.Name() != name {
			filtered = append(filtered, ch)
		}
	}
	m.channels = filtered
}

// Channels 获取所有通道名称
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Counts returns how many alerts were sent and how many were throttled.
func (m *Manager) Counts() (sent, dropped int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sent, m.dropped
}

func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
