package exchange

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// RetryPolicy 单个 chunk 的重试策略
type RetryPolicy struct {
	MaxAttempts  int           // 每个 chunk 的最大尝试次数（含第一次）
	InitialDelay time.Duration // 第一次重试前的等待
	MaxDelay     time.Duration // 退避上限
	Multiplier   float64       // 退避倍数
	RotateAfter  int           // 同一节点连续失败多少次后换节点
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		RotateAfter:  2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.RotateAfter <= 0 {
		p.RotateAfter = def.RotateAfter
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Delay 第 n 次失败后的等待时间: InitialDelay * Multiplier^(n-1)，不超过 MaxDelay
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.InitialDelay <= 0 {
		return 0
	}
	d := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// sleep 等待 d 或 ctx 结束
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
