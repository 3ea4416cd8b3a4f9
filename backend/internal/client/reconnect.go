package client

import (
	"context"
	"log"
	"math"
	"sync"
	"time"
)

// 连接状态机：
// idle → connecting → connected
// connected → disconnected → reconnecting → (connected | failed)
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

type ReconnectConfig struct {
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:        5,
		RetryDelay:        1000 * time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxRetryDelay:     30000 * time.Millisecond,
	}
}

// Controller 驱动重连：掉线后按指数退避重试，重试耗尽进入 failed，
// 等用户手动触发 Reconnect（计数从 0 重来）。
// 同一时刻最多只有一次在途重试（reconnecting 标志在锁内检查并设置），
// 否则并发的重试循环会重复计退避、开出多余的连接。
type Controller struct {
	cfg ReconnectConfig
	// dial 负责重建传输并重新入房（包含双向追平），成功返回 nil
	dial func(ctx context.Context) error
	// 状态变化通知（可为 nil）
	onStateChange func(State)

	mu           sync.Mutex
	state        State
	attempt      int
	reconnecting bool
	timer        *time.Timer
	stopped      bool
}

func NewController(cfg ReconnectConfig, dial func(ctx context.Context) error, onStateChange func(State)) *Controller {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultReconnectConfig()
	}
	return &Controller{
		cfg:           cfg,
		dial:          dial,
		onStateChange: onStateChange,
		state:         StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	cb := c.onStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Delay 计算第 n 次重试（从 1 数）前的等待时间：
// min(RetryDelay × BackoffMultiplier^n, MaxRetryDelay)
func (c *Controller) Delay(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.RetryDelay) * math.Pow(c.cfg.BackoffMultiplier, float64(attempt)))
	if d > c.cfg.MaxRetryDelay {
		d = c.cfg.MaxRetryDelay
	}
	return d
}

// Connect 是首次连接（idle → connecting → connected）。
// 失败不自动重试，直接把错误交给调用方。
func (c *Controller) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	if err := c.dial(ctx); err != nil {
		c.setState(StateIdle)
		return err
	}
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.setState(StateConnected)
	return nil
}

// OnDisconnect 由传输层在连接断开时调用。
// 已经在重连中就什么都不做（防止并发的重试循环）。
func (c *Controller) OnDisconnect() {
	c.mu.Lock()
	if c.stopped || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.attempt = 0
	c.mu.Unlock()

	c.setState(StateDisconnected)
	c.setState(StateReconnecting)
	c.scheduleNext()
}

// scheduleNext 安排下一次重试。attempt 在这里递增：
// 第 1 次重试等 Delay(1)，以此类推；超过 MaxRetries 不再安排第 6 次。
func (c *Controller) scheduleNext() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.attempt++
	if c.attempt > c.cfg.MaxRetries {
		c.reconnecting = false
		c.mu.Unlock()
		// 重试耗尽：进入终态，等用户手动 Reconnect（进程继续活着）
		c.setState(StateFailed)
		return
	}
	attempt := c.attempt
	delay := c.Delay(attempt)
	c.timer = time.AfterFunc(delay, func() { c.tryOnce(attempt) })
	c.mu.Unlock()
}

func (c *Controller) tryOnce(attempt int) {
	c.mu.Lock()
	if c.stopped || !c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.dial(context.Background()); err != nil {
		log.Printf("reconnect attempt %d failed: %v", attempt, err)
		c.scheduleNext()
		return
	}

	c.mu.Lock()
	c.attempt = 0
	c.reconnecting = false
	c.mu.Unlock()
	c.setState(StateConnected)
}

// Reconnect 是用户手动重连：取消挂着的定时重试，计数归零，立刻试一次。
// 失败后按第 1 次重试重新进退避循环。
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.attempt = 0
	c.reconnecting = true
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.dial(ctx); err != nil {
		c.setState(StateReconnecting)
		c.scheduleNext()
		return err
	}

	c.mu.Lock()
	c.attempt = 0
	c.reconnecting = false
	c.mu.Unlock()
	c.setState(StateConnected)
	return nil
}

// Stop 终止一切重试（会话收尾）：取消定时器，不留会晚些触发的回调
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.reconnecting = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.setState(StateIdle)
}
