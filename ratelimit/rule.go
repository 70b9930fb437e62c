package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category groups exchange endpoints that share one request budget.
type Category string

const (
	CategoryQuotation      Category = "quotation"
	CategoryExchange       Category = "exchange"
	CategoryOrder          Category = "order"
	CategoryOrderCancelAll Category = "order-cancel-all"
	CategoryWebsocket      Category = "websocket"
)

var knownCategories = []Category{
	CategoryQuotation,
	CategoryExchange,
	CategoryOrder,
	CategoryOrderCancelAll,
	CategoryWebsocket,
}

// Categories returns every category the resolver can produce.
func Categories() []Category {
	out := make([]Category, len(knownCategories))
	copy(out, knownCategories)
	return out
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, k := range knownCategories {
		if c == k {
			return true
		}
	}
	return false
}

// ParseCategory converts a configuration string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown rate limit category %q", s)
	}
	return c, nil
}

var ErrInvalidRule = errors.New("invalid rate limit rule")

// RateWindow is one "N requests per T" constraint.
type RateWindow struct {
	MaxRequests int
	Window      time.Duration
}

// RequestsPerSecond is MaxRequests spread evenly over the window.
func (w RateWindow) RequestsPerSecond() float64 {
	if w.Window <= 0 {
		return 0
	}
	return float64(w.MaxRequests) / w.Window.Seconds()
}

func (w RateWindow) Validate() error {
	if w.MaxRequests < 1 {
		return fmt.Errorf("%w: max requests must be >= 1, got %d", ErrInvalidRule, w.MaxRequests)
	}
	if w.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0, got %s", ErrInvalidRule, w.Window)
	}
	return nil
}

func (w RateWindow) String() string {
	return fmt.Sprintf("%d/%s", w.MaxRequests, w.Window)
}

// Rule binds a category to one or more windows. Every window must admit a
// request for the rule to admit it.
type Rule struct {
	Category Category
	Name     string
	Windows  []RateWindow
}

func (r Rule) Validate() error {
	if !r.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidRule, r.Category)
	}
	if len(r.Windows) == 0 {
		return fmt.Errorf("%w: %s has no windows", ErrInvalidRule, r.Category)
	}
	for _, w := range r.Windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("%s: %w", r.Category, err)
		}
	}
	return nil
}

// longestWindow is the widest window of the rule; it sets the warm-up horizon.
func (r Rule) longestWindow() time.Duration {
	var longest time.Duration
	for _, w := range r.Windows {
		if w.Window > longest {
			longest = w.Window
		}
	}
	return longest
}

func (r Rule) String() string {
	parts := make([]string, len(r.Windows))
	for i, w := range r.Windows {
		parts[i] = w.String()
	}
	name := r.Name
	if name == "" {
		name = string(r.Category)
	}
	return name + "[" + strings.Join(parts, ",") + "]"
}

// DefaultRules mirrors the exchange's published per-category quotas.
func DefaultRules() []Rule {
	return []Rule{
		{
			Category: CategoryQuotation,
			Name:     "quotation",
			Windows:  []RateWindow{{MaxRequests: 10, Window: time.Second}, {MaxRequests: 600, Window: time.Minute}},
		},
		{
			Category: CategoryExchange,
			Name:     "exchange-default",
			Windows:  []RateWindow{{MaxRequests: 30, Window: time.Second}, {MaxRequests: 900, Window: time.Minute}},
		},
		{
			Category: CategoryOrder,
			Name:     "order",
			Windows:  []RateWindow{{MaxRequests: 8, Window: time.Second}, {MaxRequests: 200, Window: time.Minute}},
		},
		{
			Category: CategoryOrderCancelAll,
			Name:     "order-cancel-all",
			Windows:  []RateWindow{{MaxRequests: 1, Window: 2 * time.Second}},
		},
		{
			Category: CategoryWebsocket,
			Name:     "websocket-connect",
			Windows:  []RateWindow{{MaxRequests: 5, Window: time.Second}, {MaxRequests: 100, Window: time.Minute}},
		},
	}
}
