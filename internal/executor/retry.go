package executor

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds broker submission retries. Only transient errors are
// retried; definitive rejections terminate immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// JitterFrac adds ±frac 随机抖动，避免多路信号同时重试打爆券商限流。
	JitterFrac float64
}

// DefaultRetryPolicy: 1s 起步、倍增、最多 5 次。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		JitterFrac:  0.2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Delay returns the backoff before the given attempt (1-based): the wait
// after attempt N failed, before attempt N+1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	// 1s, 2s, 4s, 8s ...
	wait := p.BaseDelay << (attempt - 1)
	if wait > p.MaxDelay || wait <= 0 {
		wait = p.MaxDelay
	}
	if p.JitterFrac > 0 {
		span := float64(wait) * p.JitterFrac
		wait = time.Duration(float64(wait) + (rand.Float64()*2-1)*span)
		if wait < 0 {
			wait = 0
		}
	}
	return wait
}
