package app

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestApplication(t *testing.T) *Application {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "app.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	cfg := *config.DefaultAppConfig
	a := NewApplication(&cfg)
	a.OverrideDB(db)
	require.NoError(t, a.MigrateDB(false))
	return a
}

func TestCheckAbandonedCommands(t *testing.T) {
	a := newTestApplication(t)
	startedAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	stale := domain.WhatsAppCommand{ID: 1, DeviceID: 10, CommandName: "connect", Status: domain.CommandProcessing, ExecutedAt: startedAt.Add(-time.Minute)}
	done := domain.WhatsAppCommand{ID: 2, DeviceID: 10, CommandName: "connect", Status: domain.CommandCompleted, ExecutedAt: startedAt.Add(-time.Hour)}
	fresh := domain.WhatsAppCommand{ID: 3, DeviceID: 10, CommandName: "getQR", Status: domain.CommandProcessing, ExecutedAt: startedAt.Add(time.Second)}
	require.NoError(t, a.DB().Create([]*domain.WhatsAppCommand{&stale, &done, &fresh}).Error)

	claimed := domain.WhatsAppRetryTask{ID: 5, DeviceID: 10, CommandName: "connect", Status: domain.RetryProcessing, CreatedAt: startedAt.Add(-time.Minute)}
	require.NoError(t, a.DB().Create(&claimed).Error)

	a.checkAbandonedCommands(startedAt)

	var got domain.WhatsAppCommand
	require.NoError(t, a.DB().First(&got, 1).Error)
	require.Equal(t, domain.CommandFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	require.Equal(t, abandonedCommandMessage, *got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, a.DB().First(&got, 2).Error)
	require.Equal(t, domain.CommandCompleted, got.Status)

	require.NoError(t, a.DB().First(&got, 3).Error)
	require.Equal(t, domain.CommandProcessing, got.Status)

	var task domain.WhatsAppRetryTask
	require.NoError(t, a.DB().First(&task, 5).Error)
	require.Equal(t, domain.RetryPending, task.Status)
}

func TestClearExpireData(t *testing.T) {
	a := newTestApplication(t)
	cutoff := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-24 * time.Hour)
	recent := cutoff.Add(time.Hour)

	require.NoError(t, a.DB().Create([]*domain.WhatsAppCommand{
		{ID: 1, Status: domain.CommandCompleted, ExecutedAt: old},
		{ID: 2, Status: domain.CommandProcessing, ExecutedAt: old},
		{ID: 3, Status: domain.CommandFailed, ExecutedAt: recent},
	}).Error)
	require.NoError(t, a.DB().Create([]*domain.WhatsAppWebhookEvent{
		{ID: 1, EventType: "ready", ReceivedAt: old},
		{ID: 2, EventType: "ready", ReceivedAt: recent},
	}).Error)
	require.NoError(t, a.DB().Create([]*domain.WhatsAppRetryTask{
		{ID: 1, Status: domain.RetryCompleted, CreatedAt: old},
		{ID: 2, Status: domain.RetryPending, CreatedAt: old},
		{ID: 3, Status: domain.RetryFailed, CreatedAt: recent},
	}).Error)

	a.clearExpireData(cutoff)

	var cmdIDs, hookIDs, taskIDs []int64
	require.NoError(t, a.DB().Model(&domain.WhatsAppCommand{}).Order("id").Pluck("id", &cmdIDs).Error)
	require.NoError(t, a.DB().Model(&domain.WhatsAppWebhookEvent{}).Order("id").Pluck("id", &hookIDs).Error)
	require.NoError(t, a.DB().Model(&domain.WhatsAppRetryTask{}).Order("id").Pluck("id", &taskIDs).Error)

	require.Equal(t, []int64{2, 3}, cmdIDs)
	require.Equal(t, []int64{2}, hookIDs)
	require.Equal(t, []int64{2, 3}, taskIDs)
}

func TestProbes(t *testing.T) {
	a := NewApplication(config.DefaultAppConfig)

	var up atomic.Bool
	up.Store(true)
	a.RegisterProbe("remote", func(ctx context.Context) bool { return up.Load() })

	_, checked := a.ProbeStatus("remote")
	require.False(t, checked)

	a.runProbes(context.Background())
	isUp, checked := a.ProbeStatus("remote")
	require.True(t, checked)
	require.True(t, isUp)

	up.Store(false)
	a.runProbes(context.Background())
	require.Equal(t, ProbeReport{Up: false, Checked: true}, a.Probes()["remote"])

	a.RegisterProbe("panics", func(ctx context.Context) bool { panic("boom") })
	require.NotPanics(t, func() { a.runProbes(context.Background()) })

	_, checked = a.ProbeStatus("missing")
	require.False(t, checked)
}

func TestStartProbeServiceStopsWithContext(t *testing.T) {
	a := NewApplication(config.DefaultAppConfig)
	var calls atomic.Int32
	a.RegisterProbe("remote", func(ctx context.Context) bool {
		calls.Add(1)
		return true
	})

	ctx, cancel := context.WithCancel(context.Background())
	a.StartProbeService(ctx, 10*time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
}
