package app

import (
	"time"

	"github.com/talkincode/wabridge/internal/domain"
	"go.uber.org/zap"
)

const abandonedCommandMessage = "abandoned: process restarted before completion"

// checkAbandonedCommands closes command records a previous process left in
// processing so each record still ends in exactly one terminal state.
// Claimed retry tasks from that process go back to pending.
func (a *Application) checkAbandonedCommands(startedAt time.Time) {
	commands := a.gormDB.Model(&domain.WhatsAppCommand{}).
		Where("status = ? AND executed_at < ?", domain.CommandProcessing, startedAt).
		Updates(map[string]interface{}{
			"status":        domain.CommandFailed,
			"error_message": abandonedCommandMessage,
			"completed_at":  startedAt,
		})
	if commands.Error != nil {
		zap.L().Error("failed to close abandoned commands", zap.Error(commands.Error))
	} else if commands.RowsAffected > 0 {
		zap.L().Warn("closed abandoned command records", zap.Int64("count", commands.RowsAffected))
	}

	tasks := a.gormDB.Model(&domain.WhatsAppRetryTask{}).
		Where("status = ?", domain.RetryProcessing).
		Update("status", domain.RetryPending)
	if tasks.Error != nil {
		zap.L().Error("failed to requeue retry tasks", zap.Error(tasks.Error))
	} else if tasks.RowsAffected > 0 {
		zap.L().Warn("requeued interrupted retry tasks", zap.Int64("count", tasks.RowsAffected))
	}
}
