package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"sigil/internal/logger"
	"sigil/internal/pkg/symbol"
)

// BinanceConfig configures the Binance USDT-M futures adapter.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// Binance adapts Binance futures to the Broker interface. Spot FX symbols
// are mapped to their USDT-margined equivalents (XAUUSD 这类外汇品种
// Binance 不支持，由 allow-list 挡在上游).
type Binance struct {
	client *futures.Client
}

// NewBinance constructs the futures adapter.
func NewBinance(cfg BinanceConfig) (*Binance, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("binance api key/secret 不能为空")
	}
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	return &Binance{client: binance.NewFuturesClient(cfg.APIKey, cfg.SecretKey)}, nil
}

// Name implements Broker.
func (b *Binance) Name() string { return "binance" }

// AccountEquity returns the USDT wallet balance.
func (b *Binance) AccountEquity(ctx context.Context) (float64, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, wrapBinanceErr(err)
	}
	for _, bal := range balances {
		if bal.Asset == "USDT" {
			v, err := strconv.ParseFloat(bal.Balance, 64)
			if err != nil {
				return 0, fmt.Errorf("解析 binance 余额失败: %w", err)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("binance 账户无 USDT 余额")
}

// InstrumentMeta reads lot filters from exchange info.
func (b *Binance) InstrumentMeta(ctx context.Context, sym string) (InstrumentMeta, error) {
	pair := symbol.Binance(sym)
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return InstrumentMeta{}, wrapBinanceErr(err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != pair {
			continue
		}
		meta := InstrumentMeta{Symbol: sym, MinLot: 0.001, LotStep: 0.001}
		if f := s.LotSizeFilter(); f != nil {
			meta.MinLot, _ = strconv.ParseFloat(f.MinQuantity, 64)
			meta.LotStep, _ = strconv.ParseFloat(f.StepSize, 64)
		}
		if f := s.PriceFilter(); f != nil {
			meta.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
		}
		return meta, nil
	}
	return InstrumentMeta{}, &Error{Broker: "binance", StatusCode: 400, Message: "unknown symbol " + pair, Definitive: true}
}

// PlaceOrder submits a market entry plus stop-loss and take-profit closers.
func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	pair := symbol.Binance(req.Instrument)
	side := futures.SideTypeBuy
	closeSide := futures.SideTypeSell
	if req.Direction == "short" {
		side = futures.SideTypeSell
		closeSide = futures.SideTypeBuy
	}
	qty := strconv.FormatFloat(req.Size, 'f', -1, 64)

	svc := b.client.NewCreateOrderService().
		Symbol(pair).
		Side(side).
		NewClientOrderID(clientOrderID(req.ClientRef)).
		Quantity(qty)
	if req.EntryPrice > 0 {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.EntryPrice, 'f', -1, 64))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, wrapBinanceErr(err)
	}
	logger.Infof("binance 下单成功: %s %s qty=%s orderId=%d", side, pair, qty, res.OrderID)

	// SL/TP 挂为独立的 closePosition 条件单；失败不回滚主单，由人工处理。
	if req.StopLoss > 0 {
		_, slErr := b.client.NewCreateOrderService().
			Symbol(pair).
			Side(closeSide).
			Type(futures.OrderTypeStopMarket).
			StopPrice(strconv.FormatFloat(req.StopLoss, 'f', -1, 64)).
			WorkingType(futures.WorkingTypeMarkPrice).
			ClosePosition(true).
			Do(ctx)
		if slErr != nil {
			logger.Errorf("binance 挂止损失败 (%s): %v", pair, slErr)
		}
	}
	if req.TakeProfit > 0 {
		_, tpErr := b.client.NewCreateOrderService().
			Symbol(pair).
			Side(closeSide).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(strconv.FormatFloat(req.TakeProfit, 'f', -1, 64)).
			WorkingType(futures.WorkingTypeMarkPrice).
			ClosePosition(true).
			Do(ctx)
		if tpErr != nil {
			logger.Errorf("binance 挂止盈失败 (%s): %v", pair, tpErr)
		}
	}
	return OrderResult{BrokerOrderID: pair + ":" + strconv.FormatInt(res.OrderID, 10), State: OrderWorking}, nil
}

// OrderStatus resolves a previously submitted order for reconciliation.
// Binance wants the symbol alongside the id, so the id is stored as
// "SYMBOL:orderID".
func (b *Binance) OrderStatus(ctx context.Context, brokerOrderID string) (OrderState, error) {
	pair, idStr, ok := strings.Cut(brokerOrderID, ":")
	if !ok {
		return OrderUnknown, fmt.Errorf("binance order id 缺少 symbol 前缀: %s", brokerOrderID)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return OrderUnknown, fmt.Errorf("解析 binance order id 失败: %w", err)
	}
	order, err := b.client.NewGetOrderService().Symbol(pair).OrderID(id).Do(ctx)
	if err != nil {
		return OrderUnknown, wrapBinanceErr(err)
	}
	switch order.Status {
	case futures.OrderStatusTypeFilled:
		return OrderFilled, nil
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
		return OrderRejected, nil
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return OrderWorking, nil
	default:
		return OrderUnknown, nil
	}
}

// clientOrderID trims the idempotency key to Binance's 36-char limit.
func clientOrderID(ref string) string {
	if len(ref) > 36 {
		return ref[:36]
	}
	return ref
}

func wrapBinanceErr(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Broker:     "binance",
			StatusCode: int(apiErr.Code),
			Message:    apiErr.Message,
			Definitive: binanceDefinitive(apiErr.Code),
		}
	}
	return err
}

// binanceDefinitive: 限流和撮合引擎内部错误可以重试，其余 API 错误码
// 基本都是参数/权限问题，重试无意义。
func binanceDefinitive(code int64) bool {
	switch code {
	case -1003, -1001, -1021, -1007:
		return false
	default:
		return true
	}
}
