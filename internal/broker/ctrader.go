package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"sigil/internal/logger"
)

// CTraderConfig configures the cTrader Open API REST client.
type CTraderConfig struct {
	BaseURL        string
	AccessToken    string
	AccountID      string
	TimeoutSeconds int
	// RequestsPerSecond throttles outbound calls; cTrader 官方限速约 5 rps。
	RequestsPerSecond float64
}

// CTrader places orders through the cTrader Open API.
type CTrader struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	accountID  string
	limiter    *rate.Limiter
}

// NewCTrader constructs a cTrader client from configuration.
func NewCTrader(cfg CTraderConfig) (*CTrader, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = "https://openapi.ctrader.com"
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 ctrader base_url 失败: %w", err)
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("ctrader.access_token 不能为空")
	}
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, fmt.Errorf("ctrader.account_id 不能为空")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &CTrader{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		token:      strings.TrimSpace(cfg.AccessToken),
		accountID:  strings.TrimSpace(cfg.AccountID),
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *CTrader) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Name implements Broker.
func (c *CTrader) Name() string { return "ctrader" }

// AccountEquity fetches the current account balance.
func (c *CTrader) AccountEquity(ctx context.Context) (float64, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+c.accountID, nil)
	if err != nil {
		return 0, err
	}
	res := gjson.GetBytes(body, "balance")
	if !res.Exists() {
		res = gjson.GetBytes(body, "equity")
	}
	if !res.Exists() {
		return 0, fmt.Errorf("ctrader 账户响应缺少 balance 字段")
	}
	return res.Float(), nil
}

// InstrumentMeta returns lot constraints for one symbol. cTrader exposes
// volume in units, so min/step are converted back to lots here.
func (c *CTrader) InstrumentMeta(ctx context.Context, symbol string) (InstrumentMeta, error) {
	path := fmt.Sprintf("/v1/symbols/%s", url.PathEscape(symbol))
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return InstrumentMeta{}, err
	}
	upl := unitsPerLot(symbol)
	meta := InstrumentMeta{
		Symbol:   symbol,
		MinLot:   0.01,
		LotStep:  0.01,
		TickSize: gjson.GetBytes(body, "tickSize").Float(),
	}
	if v := gjson.GetBytes(body, "minVolume"); v.Exists() && upl > 0 {
		meta.MinLot = v.Float() / upl
	}
	if v := gjson.GetBytes(body, "stepVolume"); v.Exists() && upl > 0 {
		meta.LotStep = v.Float() / upl
	}
	return meta, nil
}

type ctraderOrderPayload struct {
	AccountID  string  `json:"accountId"`
	SymbolName string  `json:"symbolName"`
	TradeSide  string  `json:"tradeSide"`
	Volume     int64   `json:"volume"`
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`
	LimitPrice float64 `json:"limitPrice,omitempty"`
	OrderType  string  `json:"orderType"`
	Label      string  `json:"label,omitempty"`
}

// PlaceOrder submits a new order. Size is in lots and converted to the units
// cTrader expects (forex 1 lot = 100000 units, metals 1 lot = 100 units).
func (c *CTrader) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	side := "BUY"
	if req.Direction == "short" {
		side = "SELL"
	}
	volume := int64(math.Round(req.Size * unitsPerLot(req.Instrument)))
	if volume <= 0 {
		return OrderResult{}, &Error{Broker: "ctrader", StatusCode: 400, Message: "volume rounds to zero", Definitive: true}
	}
	payload := ctraderOrderPayload{
		AccountID:  c.accountID,
		SymbolName: req.Instrument,
		TradeSide:  side,
		Volume:     volume,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OrderType:  "MARKET",
		Label:      req.ClientRef,
	}
	if req.EntryPrice > 0 {
		payload.OrderType = "LIMIT"
		payload.LimitPrice = req.EntryPrice
	}
	logger.Infof("ctrader 下单: %s %s volume=%d sl=%.5f tp=%.5f", payload.TradeSide, payload.SymbolName, payload.Volume, payload.StopLoss, payload.TakeProfit)
	body, err := c.doRequest(ctx, http.MethodPost, "/v1/orders", payload)
	if err != nil {
		return OrderResult{}, err
	}
	orderID := gjson.GetBytes(body, "orderId").String()
	if orderID == "" {
		return OrderResult{}, fmt.Errorf("ctrader 未返回 orderId")
	}
	return OrderResult{BrokerOrderID: orderID, State: OrderWorking}, nil
}

// OrderStatus polls one order for reconciliation.
func (c *CTrader) OrderStatus(ctx context.Context, brokerOrderID string) (OrderState, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(brokerOrderID), nil)
	if err != nil {
		return OrderUnknown, err
	}
	status := gjson.GetBytes(body, "orderStatus")
	if !status.Exists() {
		status = gjson.GetBytes(body, "status")
	}
	switch strings.ToUpper(status.String()) {
	case "FILLED", "EXECUTED":
		return OrderFilled, nil
	case "REJECTED", "CANCELLED", "EXPIRED":
		return OrderRejected, nil
	case "ACCEPTED", "PENDING", "WORKING", "NEW":
		return OrderWorking, nil
	default:
		return OrderUnknown, nil
	}
}

func (c *CTrader) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("ctrader client 未初始化")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 ctrader 失败: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &Error{
			Broker:     "ctrader",
			StatusCode: resp.StatusCode,
			Message:    msg,
			Definitive: definitiveStatus(resp.StatusCode),
		}
	}
	return data, nil
}

// unitsPerLot maps a symbol to its contract size. Metals trade 100 units a
// lot, FX majors 100000, crypto CFDs 1.
func unitsPerLot(symbol string) float64 {
	s := strings.ToUpper(symbol)
	switch {
	case strings.HasPrefix(s, "XAU"), strings.HasPrefix(s, "XAG"):
		return 100
	case strings.HasPrefix(s, "BTC"), strings.HasPrefix(s, "ETH"):
		return 1
	case len(s) == 6 && !strings.ContainsAny(s, "0123456789"):
		return 100000
	default:
		return 100
	}
}
