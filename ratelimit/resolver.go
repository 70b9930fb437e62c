package ratelimit

import (
	"net/http"
	"sort"
	"strings"
)

// Route maps an endpoint to a category. A route with Verb set only applies to
// that verb; a route with Prefix set matches every path below Path.
type Route struct {
	Path     string
	Verb     string
	Prefix   bool
	Category Category
}

type routeKey struct {
	path string
	verb string
}

// Resolver maps (path, verb) to a category. It is read-only after
// construction and safe for concurrent use.
//
// Order: exact (path, verb) override, exact path, longest prefix, fallback.
type Resolver struct {
	overrides map[routeKey]Category
	exact     map[string]Category
	prefixes  []Route
	fallback  Category
}

// NewResolver builds a resolver. An invalid fallback is replaced by
// quotation: unknown endpoints must land in a throttled category.
func NewResolver(routes []Route, fallback Category) *Resolver {
	if !fallback.Valid() {
		fallback = CategoryQuotation
	}
	r := &Resolver{
		overrides: make(map[routeKey]Category),
		exact:     make(map[string]Category),
		fallback:  fallback,
	}
	for _, rt := range routes {
		path := normalizePath(rt.Path)
		switch {
		case rt.Verb != "":
			r.overrides[routeKey{path: path, verb: strings.ToUpper(rt.Verb)}] = rt.Category
		case rt.Prefix:
			rt.Path = path
			r.prefixes = append(r.prefixes, rt)
		default:
			r.exact[path] = rt.Category
		}
	}
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].Path) > len(r.prefixes[j].Path)
	})
	return r
}

// DefaultResolver knows the exchange's REST and websocket endpoints.
func DefaultResolver() *Resolver {
	return NewResolver(DefaultRoutes(), CategoryQuotation)
}

func DefaultRoutes() []Route {
	return []Route{
		{Path: "/v1/market/all", Category: CategoryQuotation},
		{Path: "/v1/ticker", Category: CategoryQuotation},
		{Path: "/v1/ticker/all", Category: CategoryQuotation},
		{Path: "/v1/orderbook", Category: CategoryQuotation},
		{Path: "/v1/trades/ticks", Category: CategoryQuotation},
		{Path: "/v1/candles/", Prefix: true, Category: CategoryQuotation},

		{Path: "/v1/accounts", Category: CategoryExchange},
		{Path: "/v1/orders/chance", Category: CategoryExchange},
		{Path: "/v1/order", Category: CategoryExchange},
		{Path: "/v1/orders", Category: CategoryExchange},
		{Path: "/v1/orders/open", Category: CategoryExchange},
		{Path: "/v1/orders/closed", Category: CategoryExchange},
		{Path: "/v1/orders/uuids", Category: CategoryExchange},
		{Path: "/v1/withdraws", Prefix: true, Category: CategoryExchange},
		{Path: "/v1/deposits", Prefix: true, Category: CategoryExchange},
		{Path: "/v1/status/", Prefix: true, Category: CategoryExchange},
		{Path: "/v1/api_keys", Category: CategoryExchange},

		{Path: "/v1/orders", Verb: http.MethodPost, Category: CategoryOrder},
		{Path: "/v1/order", Verb: http.MethodDelete, Category: CategoryOrder},
		{Path: "/v1/orders/uuids", Verb: http.MethodDelete, Category: CategoryOrder},
		{Path: "/v1/orders/cancel_and_new", Verb: http.MethodPost, Category: CategoryOrder},
		{Path: "/v1/orders/open", Verb: http.MethodDelete, Category: CategoryOrderCancelAll},

		{Path: "/websocket/v1", Category: CategoryWebsocket},
	}
}

func (r *Resolver) Resolve(path, verb string) Category {
	path = normalizePath(path)
	if c, ok := r.overrides[routeKey{path: path, verb: strings.ToUpper(verb)}]; ok {
		return c
	}
	if c, ok := r.exact[path]; ok {
		return c
	}
	for _, rt := range r.prefixes {
		if strings.HasPrefix(path, rt.Path) {
			return rt.Category
		}
	}
	return r.fallback
}

// normalizePath drops the query string and guarantees a leading slash.
func normalizePath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
