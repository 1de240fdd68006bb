package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trade-narrator/inventory"
)

const (
	DefaultRESTBaseURL = "https://www.okx.com"
	DefaultCashAsset   = "USDT"

	tickerPath  = "/api/v5/market/ticker"
	balancePath = "/api/v5/account/balance"

	defaultPriceTimeout     = 5 * time.Second
	defaultPortfolioTimeout = 10 * time.Second
)

// ErrLookupFailed 价格或资产估值查询失败
var ErrLookupFailed = errors.New("okx: lookup failed")

// APIError 交易所返回非 0 code
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx api error code=%s msg=%s", e.Code, e.Msg)
}

// RESTMetrics REST 调用指标
type RESTMetrics interface {
	RecordRESTRequest(action string)
	RecordRESTError(action string)
	RecordRESTLatency(action string, seconds float64)
}

// OKXRESTClient 私有账户与公共行情查询；HTTPClient 可注入 httptest。
type OKXRESTClient struct {
	BaseURL    string
	Signer     *Signer
	HTTPClient *http.Client
	Limiter    RateLimiter
	Metrics    RESTMetrics
	CashAsset  string

	PriceTimeout     time.Duration
	PortfolioTimeout time.Duration
}

type envelope struct {
	Code flexString      `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type tickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
}

// MarketPrice 查询 ASSET-USDT 最新成交价
func (c *OKXRESTClient) MarketPrice(ctx context.Context, asset string) (float64, error) {
	q := url.Values{}
	q.Set("instId", strings.ToUpper(asset)+"-"+c.cashAsset())

	var rows []tickerData
	if err := c.get(ctx, "ticker", c.timeout(c.PriceTimeout, defaultPriceTimeout), tickerPath, q, false, &rows); err != nil {
		return 0, fmt.Errorf("%w: price %s: %v", ErrLookupFailed, asset, err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: price %s: empty ticker", ErrLookupFailed, asset)
	}
	price, err := ParseNumber(rows[0].Last)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("%w: price %s: bad last %q", ErrLookupFailed, asset, rows[0].Last)
	}
	return price, nil
}

// PortfolioDetails 查询账户总权益与现金（USDT）权益
func (c *OKXRESTClient) PortfolioDetails(ctx context.Context) (inventory.Portfolio, error) {
	var rows []accountData
	if err := c.get(ctx, "balance", c.timeout(c.PortfolioTimeout, defaultPortfolioTimeout), balancePath, nil, true, &rows); err != nil {
		return inventory.Portfolio{}, fmt.Errorf("%w: portfolio: %v", ErrLookupFailed, err)
	}
	if len(rows) == 0 {
		return inventory.Portfolio{}, fmt.Errorf("%w: portfolio: empty balance", ErrLookupFailed)
	}
	total, err := ParseNumber(rows[0].TotalEq)
	if err != nil {
		return inventory.Portfolio{}, fmt.Errorf("%w: portfolio totalEq: %v", ErrLookupFailed, err)
	}
	pf := inventory.Portfolio{TotalValue: total}
	for _, d := range rows[0].Details {
		if d.Ccy != c.cashAsset() {
			continue
		}
		cash, err := ParseNumber(d.Eq)
		if err != nil {
			return inventory.Portfolio{}, fmt.Errorf("%w: portfolio cash eq: %v", ErrLookupFailed, err)
		}
		pf.CashValue = cash
		break
	}
	return pf, nil
}

func (c *OKXRESTClient) get(ctx context.Context, action string, timeout time.Duration, path string, q url.Values, signed bool, out interface{}) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	start := time.Now()
	err := c.do(ctx, timeout, path, q, signed, out)
	if c.Metrics != nil {
		c.Metrics.RecordRESTRequest(action)
		c.Metrics.RecordRESTLatency(action, time.Since(start).Seconds())
		if err != nil {
			c.Metrics.RecordRESTError(action)
		}
	}
	return err
}

func (c *OKXRESTClient) do(ctx context.Context, timeout time.Duration, path string, q url.Values, signed bool, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	requestPath := path
	if len(q) > 0 {
		requestPath += "?" + q.Encode()
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultRESTBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+requestPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		if c.Signer == nil {
			return fmt.Errorf("signer not set")
		}
		c.Signer.SignRequest(req, requestPath, "")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != "0" {
		return &APIError{Code: string(env.Code), Msg: env.Msg}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func (c *OKXRESTClient) cashAsset() string {
	if c.CashAsset == "" {
		return DefaultCashAsset
	}
	return c.CashAsset
}

func (c *OKXRESTClient) timeout(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}
