package container

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-narrator/config"
	"trade-narrator/infrastructure/logger"
	"trade-narrator/infrastructure/notify"
)

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.AppConfig{
		Env: "test",
		Exchange: config.ExchangeConfig{
			APIKey:     "key",
			SecretKey:  "secret",
			Passphrase: "pass",
			// 无人监听，会话持续重连
			WSURL:       "ws://127.0.0.1:1/ws/v5/private",
			RESTBaseURL: "http://127.0.0.1:1",
		},
		Storage: config.StorageConfig{DataDir: dir},
		Notify: config.NotifyConfig{
			TelegramBotToken: "123:abc",
			TargetChannelID:  "-100",
		},
		Report:  config.ReportConfig{Enabled: true, Time: "21:00", Zone: "UTC"},
		HTTP:    config.HTTPConfig{Addr: "127.0.0.1:0"},
		Journal: config.JournalConfig{Enabled: true, Path: filepath.Join(dir, "journal.db")},
	}
	config.ApplyDefaults(&cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestContainerBuild(t *testing.T) {
	c := NewWithConfig(testConfig(t), "", WithLogger(logger.NewNop()))
	require.NoError(t, c.Build())

	assert.NotNil(t, c.Store())
	assert.NotNil(t, c.Session())
	assert.NotNil(t, c.engine)
	assert.NotNil(t, c.scheduler)
	assert.NotNil(t, c.journal)
	assert.NotNil(t, c.telegram)
	assert.Equal(t, []string{"log", "telegram"}, c.notifier.GetChannels())
	assert.Equal(t, notify.ParseModeMarkdown, c.telegram.ParseMode())
	require.NoError(t, c.journal.Close())
}

func TestContainerApplyReload(t *testing.T) {
	c := NewWithConfig(testConfig(t), "", WithLogger(logger.NewNop()))
	require.NoError(t, c.Build())
	defer c.journal.Close()

	next := *c.cfg
	next.Notify.TargetChannelID = "-200"
	next.Report.Time = "06:45"
	c.applyReload(next)

	assert.Equal(t, "-200", c.telegram.Target())
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 1, 6, 45, 0, 0, time.UTC), c.scheduler.Next(from))
}

func TestContainerStartStop(t *testing.T) {
	c := NewWithConfig(testConfig(t), "", WithLogger(logger.NewNop()))
	require.NoError(t, c.Build())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.HealthCheck())

	resp, err := http.Get("http://" + c.apiServer.Addr + "/api/session")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"state"`)

	require.NoError(t, c.Stop())
}
