package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trade-narrator/config"
	"trade-narrator/infrastructure/logger"
	"trade-narrator/infrastructure/notify"
	"trade-narrator/inventory"
)

// DefaultZone 日报默认时区
const DefaultZone = "CET"

// HistorySource 已平仓记录来源
type HistorySource interface {
	HistorySince(since time.Time) []inventory.ClosedTrade
}

// Sender 日报发送端
type Sender interface {
	SendText(ctx context.Context, kind, text string) error
}

// Scheduler 每天在指定时区的 HH:MM 发送一次日报；窗口内无平仓则跳过。
type Scheduler struct {
	source HistorySource
	sender Sender
	logger *logger.Logger

	mu     sync.Mutex
	hour   int
	minute int
	loc    *time.Location
	reset  chan struct{}

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewScheduler 创建日报调度器
func NewScheduler(clock, zone string, source HistorySource, sender Sender, log *logger.Logger) (*Scheduler, error) {
	if source == nil || sender == nil {
		return nil, fmt.Errorf("report: source and sender are required")
	}
	s := &Scheduler{
		source: source,
		sender: sender,
		logger: logger.OrNop(log).Named("report"),
		reset:  make(chan struct{}, 1),
		now:    time.Now,
		after:  time.After,
	}
	if err := s.SetSchedule(clock, zone); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSchedule 更新发送时间，运行中的调度会重新计算下次触发；出错时保留原计划。
func (s *Scheduler) SetSchedule(clock, zone string) error {
	hour, minute, err := config.ParseClock(clock)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	loc, err := location(zone)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.hour, s.minute, s.loc = hour, minute, loc
	s.mu.Unlock()

	select {
	case s.reset <- struct{}{}:
	default:
	}
	return nil
}

// location 空时区使用 CET；未知时区返回错误，与配置校验一致
func location(zone string) (*time.Location, error) {
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("report: zone %q: %w", zone, err)
	}
	return loc, nil
}

// Next 返回 from 之后的下一次触发时间
func (s *Scheduler) Next(from time.Time) time.Time {
	s.mu.Lock()
	hour, minute, loc := s.hour, s.minute, s.loc
	s.mu.Unlock()

	local := from.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(from) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return next
}

// Run 阻塞直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.now()
		next := s.Next(now)
		s.logger.Info("next daily report scheduled",
			zap.Time("at", next), zap.Duration("wait", next.Sub(now)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.reset:
			continue
		case <-s.after(next.Sub(now)):
			if _, err := s.SendNow(ctx); err != nil {
				s.logger.LogError(err, map[string]interface{}{"action": "daily_report"})
			}
		}
	}
}

// SendNow 立即生成并发送日报，返回是否实际发送
func (s *Scheduler) SendNow(ctx context.Context) (bool, error) {
	now := s.now()
	rep := Build(s.source.HistorySince(now.Add(-Window)), now)
	if rep.Empty() {
		s.logger.Info("no trades closed in the last 24 hours, report skipped")
		return false, nil
	}
	if err := s.sender.SendText(ctx, notify.KindReport, rep.Text()); err != nil {
		return false, fmt.Errorf("send daily report: %w", err)
	}
	s.logger.Info("daily report sent",
		zap.Int("trades", len(rep.Trades)), zap.Float64("weighted_roi", rep.WeightedROI))
	return true, nil
}
