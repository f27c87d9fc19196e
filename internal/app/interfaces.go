package app

import (
	"context"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wabridge/config"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// BusProvider provides the in-process event bus
type BusProvider interface {
	Bus() EventBus.Bus
}

// ProbeFunc reports whether a dependency is reachable.
type ProbeFunc func(ctx context.Context) bool

// ProbeRegistry accepts periodic reachability probes
type ProbeRegistry interface {
	RegisterProbe(name string, probe ProbeFunc)
	Probes() map[string]ProbeReport
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	BusProvider
	ProbeRegistry

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
	DropAll()
}
