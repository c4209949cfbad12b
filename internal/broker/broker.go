package broker

import (
	"context"
	"errors"
	"fmt"
)

// OrderState is the broker-side view of a submitted order.
type OrderState string

const (
	OrderWorking  OrderState = "working"
	OrderFilled   OrderState = "filled"
	OrderRejected OrderState = "rejected"
	OrderUnknown  OrderState = "unknown"
)

// OrderRequest is a fully validated, sized order ready for submission.
// EntryPrice == 0 means market order.
type OrderRequest struct {
	Instrument string
	Direction  string // "long" / "short"
	Size       float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	ClientRef  string // idempotency key，透传给券商 label
}

// OrderResult is the acknowledgement for a placed order.
type OrderResult struct {
	BrokerOrderID string
	State         OrderState
}

// InstrumentMeta carries the broker's own lot constraints for one symbol.
type InstrumentMeta struct {
	Symbol   string
	MinLot   float64
	LotStep  float64
	TickSize float64
}

// Broker is the minimal surface the executor needs from a trading venue.
type Broker interface {
	Name() string
	AccountEquity(ctx context.Context) (float64, error)
	InstrumentMeta(ctx context.Context, symbol string) (InstrumentMeta, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	OrderStatus(ctx context.Context, brokerOrderID string) (OrderState, error)
}

// Error distinguishes definitive broker rejections from transient failures.
// Definitive 的错误重试也不会变好（参数非法、权限不足），直接终态。
type Error struct {
	Broker     string
	StatusCode int
	Message    string
	Definitive bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Broker, e.Message, e.StatusCode)
}

// IsDefinitive reports whether err is a broker rejection that retrying
// cannot fix.
func IsDefinitive(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Definitive
	}
	return false
}

// definitiveStatus classifies an HTTP status: 4xx are final except for
// timeouts and throttling.
func definitiveStatus(code int) bool {
	if code == 408 || code == 429 {
		return false
	}
	return code >= 400 && code < 500
}
