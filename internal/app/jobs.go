package app

import (
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/pkg/metrics"
	"go.uber.org/zap"
)

// AuditRetentionDays how long command, webhook and finished retry rows are kept.
const AuditRetentionDays = 90

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
		go a.SchedProcessMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", a.SchedClearExpireData)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSystemMonitorTask system monitor
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	_cpuuse, err := cpu.Percent(0, false)
	if err == nil && len(_cpuuse) > 0 {
		metrics.SetGauge("system_cpuuse", int64(_cpuuse[0]*100)) // percentage * 100
	}

	_meminfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.SetGauge("system_memuse", int64(_meminfo.Used/1024/1024)) //nolint:gosec // G115: memory MB value fits in int64
	}
}

// SchedProcessMonitorTask app process monitor
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: PID is always within int32 range
	if err != nil {
		return
	}

	cpuuse, err := p.CPUPercent()
	if err == nil {
		metrics.SetGauge("wabridge_cpuuse", int64(cpuuse*100))
	}

	meminfo, err := p.MemoryInfo()
	if err == nil {
		metrics.SetGauge("wabridge_memuse", int64(meminfo.RSS/1024/1024)) //nolint:gosec // G115: memory MB value fits in int64
	}

	var pending int64
	if err := a.gormDB.Model(&domain.WhatsAppRetryTask{}).
		Where("status = ?", domain.RetryPending).
		Count(&pending).Error; err == nil {
		metrics.SetGauge("whatsapp_retry_pending", pending)
	}
}

// SchedClearExpireData purges audit history past the retention window.
// Processing commands and unfinished retry tasks are kept.
func (a *Application) SchedClearExpireData() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	a.clearExpireData(time.Now().Add(-time.Hour * 24 * AuditRetentionDays))
}

func (a *Application) clearExpireData(cutoff time.Time) {
	commands := a.gormDB.
		Where("executed_at < ? AND status <> ?", cutoff, domain.CommandProcessing).
		Delete(&domain.WhatsAppCommand{})
	if commands.Error != nil {
		zap.L().Error("purge command records failed", zap.Error(commands.Error))
	}

	webhooks := a.gormDB.
		Where("received_at < ?", cutoff).
		Delete(&domain.WhatsAppWebhookEvent{})
	if webhooks.Error != nil {
		zap.L().Error("purge webhook events failed", zap.Error(webhooks.Error))
	}

	tasks := a.gormDB.
		Where("created_at < ? AND status IN ?", cutoff, []string{domain.RetryCompleted, domain.RetryFailed}).
		Delete(&domain.WhatsAppRetryTask{})
	if tasks.Error != nil {
		zap.L().Error("purge retry tasks failed", zap.Error(tasks.Error))
	}

	zap.L().Info("audit retention applied",
		zap.Time("cutoff", cutoff),
		zap.Int64("commands", commands.RowsAffected),
		zap.Int64("webhooks", webhooks.RowsAffected),
		zap.Int64("retry_tasks", tasks.RowsAffected))
}
