package container

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"trade-narrator/infrastructure/logger"
)

// systemdNotifier sd_notify 封装；非 systemd 环境下 SdNotify 返回 (false, nil)，全部为空操作。
type systemdNotifier struct {
	logger *logger.Logger
	notify func(state string) (bool, error)
	// watchdogInterval 返回 0 表示未启用 WatchdogSec
	watchdogInterval func() (time.Duration, error)
}

func newSystemdNotifier(l *logger.Logger) *systemdNotifier {
	return &systemdNotifier{
		logger: logger.OrNop(l).Named("systemd"),
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
		watchdogInterval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (s *systemdNotifier) send(state string) bool {
	if s == nil {
		return false
	}
	sent, err := s.notify(state)
	if err != nil {
		s.logger.Warn("sd_notify failed", zap.String("state", state), zap.Error(err))
		return false
	}
	return sent
}

// Ready 通知 systemd 启动完成
func (s *systemdNotifier) Ready() {
	if s.send(daemon.SdNotifyReady) {
		s.logger.Info("notified systemd: ready")
	}
}

// Stopping 通知 systemd 开始退出
func (s *systemdNotifier) Stopping() {
	s.send(daemon.SdNotifyStopping)
}

// StartWatchdog 以 WatchdogSec 一半的间隔发送 WATCHDOG=1；健康检查失败时停止喂狗，交由 systemd 重启。
func (s *systemdNotifier) StartWatchdog(ctx context.Context, health func() error) {
	if s == nil {
		return
	}
	interval, err := s.watchdogInterval()
	if err != nil {
		s.logger.Warn("read watchdog interval failed", zap.Error(err))
		return
	}
	if interval <= 0 {
		return
	}
	go s.watchdogLoop(ctx, interval/2, health)
}

func (s *systemdNotifier) watchdogLoop(ctx context.Context, every time.Duration, health func() error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if health != nil {
				if err := health(); err != nil {
					s.logger.Warn("health check failed, skipping watchdog ping", zap.Error(err))
					continue
				}
			}
			s.send(daemon.SdNotifyWatchdog)
		}
	}
}
