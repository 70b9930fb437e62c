package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.upbit.com"

// RESTConfig configures RESTClient.
type RESTConfig struct {
	BaseURL   string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
	// RetryCount retries GET requests that failed with a 5xx reply or a
	// dropped connection. Each retry must pass Readmit first; without
	// Readmit the client never retries. Other verbs are sent once.
	RetryCount int
	Readmit    Readmit
	// PublicPrefixes are sent without a signature.
	PublicPrefixes []string
}

func DefaultPublicPrefixes() []string {
	return []string{"/v1/market/", "/v1/ticker", "/v1/candles/", "/v1/orderbook", "/v1/trades/"}
}

// Readmit admits one more request for path before the client retries it.
// A non-nil error stops the retries.
type Readmit func(ctx context.Context, path, verb string) error

// RESTClient is the resty-backed Transport.
type RESTClient struct {
	http    *resty.Client
	signer  *Signer
	public  []string
	retries int
	readmit Readmit
	logger  *zap.Logger
}

// NewRESTClient builds the client. Credentials are optional; without them
// only public endpoints can be called.
func NewRESTClient(cfg RESTConfig, logger *zap.Logger) (*RESTClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PublicPrefixes == nil {
		cfg.PublicPrefixes = DefaultPublicPrefixes()
	}
	var signer *Signer
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		s, err := NewSigner(cfg.AccessKey, cfg.SecretKey)
		if err != nil {
			return nil, err
		}
		signer = s
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &RESTClient{
		http:    httpClient,
		signer:  signer,
		public:  cfg.PublicPrefixes,
		retries: cfg.RetryCount,
		readmit: cfg.Readmit,
		logger:  logger,
	}, nil
}

func (c *RESTClient) FetchSingle(ctx context.Context, path, verb string, params map[string]string) ([]byte, error) {
	verb = strings.ToUpper(verb)
	if verb == "" {
		verb = http.MethodGet
	}
	attempts := 1
	if verb == http.MethodGet && c.readmit != nil && c.retries > 0 {
		attempts += c.retries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			// 重试同样要经过限流
			if err := c.readmit(ctx, path, verb); err != nil {
				c.logger.Debug("retry not admitted", zap.String("path", path), zap.Error(err))
				break
			}
			c.logger.Debug("retrying request", zap.String("path", path), zap.Int("attempt", i+1), zap.Error(lastErr))
		}
		body, retry, err := c.send(ctx, path, verb, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// send performs one round trip. retry reports whether the failure was a 5xx
// reply or a dropped connection.
func (c *RESTClient) send(ctx context.Context, path, verb string, params map[string]string) (body []byte, retry bool, err error) {
	req := c.http.R().SetContext(ctx)
	switch verb {
	case http.MethodGet, http.MethodDelete:
		req.SetQueryParams(params)
	default:
		req.SetHeader("Content-Type", "application/json").SetBody(params)
	}
	if !c.isPublic(path) {
		if c.signer == nil {
			return nil, false, &TransportError{Message: "credentials required for " + path, Err: errors.New("no signer configured")}
		}
		// 每次发送重新签名，nonce 不复用
		auth, err := c.signer.Authorization(params)
		if err != nil {
			return nil, false, &TransportError{Message: "sign request", Err: err}
		}
		req.SetHeader("Authorization", auth)
	}

	start := time.Now()
	resp, err := req.Execute(verb, path)
	if err != nil {
		return nil, true, &TransportError{Message: fmt.Sprintf("%s %s", verb, path), Err: err}
	}
	if rr, ok := ParseRemainingReq(resp.Header().Get("Remaining-Req")); ok {
		c.logger.Debug("remaining requests",
			zap.String("path", path),
			zap.String("group", rr.Group),
			zap.Int("sec", rr.Sec),
			zap.Duration("latency", time.Since(start)))
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, resp.StatusCode() >= 500, decodeError(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), false, nil
}

func (c *RESTClient) FetchBatch(ctx context.Context, path, verb string, symbols []string, params map[string]string) ([]byte, error) {
	merged := make(map[string]string, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["markets"] = strings.Join(symbols, ",")
	return c.FetchSingle(ctx, path, verb, merged)
}

func (c *RESTClient) isPublic(path string) bool {
	for _, p := range c.public {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

type errorBody struct {
	Error struct {
		Name    json.RawMessage `json:"name"`
		Message string          `json:"message"`
	} `json:"error"`
}

func decodeError(status int, body []byte) *TransportError {
	te := &TransportError{Status: status, Message: strings.TrimSpace(string(body))}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		te.Message = eb.Error.Message
		// name is a string for most errors and a number for a few
		var name string
		if json.Unmarshal(eb.Error.Name, &name) == nil {
			te.Name = name
		} else {
			te.Name = string(eb.Error.Name)
		}
	}
	if te.Message == "" {
		te.Message = http.StatusText(status)
	}
	return te
}

// RemainingReq is the exchange's "Remaining-Req: group=default; min=1800; sec=29" header.
type RemainingReq struct {
	Group string
	Min   int
	Sec   int
}

func ParseRemainingReq(h string) (RemainingReq, bool) {
	if h == "" {
		return RemainingReq{}, false
	}
	var rr RemainingReq
	found := false
	for _, part := range strings.Split(h, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "group":
			rr.Group = strings.TrimSpace(v)
			found = true
		case "min":
			rr.Min, _ = strconv.Atoi(strings.TrimSpace(v))
		case "sec":
			rr.Sec, _ = strconv.Atoi(strings.TrimSpace(v))
			found = true
		}
	}
	return rr, found
}
