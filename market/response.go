package market

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Channel says where a response's data came from.
type Channel string

const (
	ChannelLive    Channel = "live-stream"
	ChannelRequest Channel = "request-response"
	ChannelCache   Channel = "cache"
)

const (
	liveReliability    = 0.99
	requestReliability = 0.95
	// a cached entry loses up to this share of its origin's reliability as it
	// approaches its TTL
	cacheDecay = 0.1
)

// DataSource describes the provenance of one response. It is built fresh for
// every response.
type DataSource struct {
	Channel     Channel  `json:"channel"`
	Reliability float64  `json:"reliability"`
	LatencyMs   float64  `json:"latency_ms"`
	CacheAgeMs  *float64 `json:"cache_age_ms,omitempty"`
}

func (c Channel) reliability() float64 {
	if c == ChannelLive {
		return liveReliability
	}
	return requestReliability
}

func cacheReliability(origin Channel, age, ttl time.Duration) float64 {
	frac := 1.0
	if ttl > 0 {
		frac = math.Min(1, math.Max(0, float64(age)/float64(ttl)))
	}
	return origin.reliability() * (1 - cacheDecay*frac)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ErrorKind tags a Failure.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindRateLimited ErrorKind = "rate_limited"
	KindTransport   ErrorKind = "transport"
	KindCanceled    ErrorKind = "canceled"
)

// Failure is the error carried by an unsuccessful Response.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// RetryAfter is always set for KindRateLimited.
	RetryAfter time.Duration `json:"-"`
	// Status is the exchange HTTP status for KindTransport, when one was received.
	Status int `json:"status,omitempty"`
}

func (f *Failure) Error() string {
	if f.Kind == KindRateLimited {
		return fmt.Sprintf("%s: %s (retry after %s)", f.Kind, f.Message, f.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// MarshalJSON adds retry_after_ms so HTTP clients get a numeric wait hint.
func (f *Failure) MarshalJSON() ([]byte, error) {
	type plain Failure
	out := struct {
		*plain
		RetryAfterMs *float64 `json:"retry_after_ms,omitempty"`
	}{plain: (*plain)(f)}
	if f.Kind == KindRateLimited {
		ms := millis(f.RetryAfter)
		out.RetryAfterMs = &ms
	}
	return json.Marshal(out)
}

// Response is the envelope returned by every Service query. Data maps a symbol
// to its raw exchange payload; pass-through calls use the single key "result".
type Response struct {
	Success bool                       `json:"success"`
	Data    map[string]json.RawMessage `json:"data,omitempty"`
	Error   *Failure                   `json:"error,omitempty"`
	Source  DataSource                 `json:"data_source"`
}

// Err returns the failure as an error, or nil for a successful response.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

func failed(f *Failure, src DataSource) Response {
	return Response{Success: false, Error: f, Source: src}
}

// cloneData copies the map and every payload so callers never hold bytes
// that are also in the cache.
func cloneData(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = cloneRaw(v)
	}
	return out
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return append(json.RawMessage(nil), v...)
}
