package whatsapp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wabridge/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "bridge.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func seedDevice(t *testing.T, db *gorm.DB, key string, mutate ...func(*domain.WhatsAppDevice)) *domain.WhatsAppDevice {
	t.Helper()
	device := &domain.WhatsAppDevice{
		UserID:    7,
		DeviceKey: key,
		Phone:     "6281234567890",
		Name:      "device " + key,
		Status:    domain.DeviceDisconnected,
	}
	for _, fn := range mutate {
		fn(device)
	}
	require.NoError(t, NewGormDeviceRepository(db).Create(context.Background(), device))
	return device
}

func reloadDevice(t *testing.T, db *gorm.DB, id int64) *domain.WhatsAppDevice {
	t.Helper()
	device, err := NewGormDeviceRepository(db).GetByID(context.Background(), id)
	require.NoError(t, err)
	return device
}

func commandRows(t *testing.T, db *gorm.DB) []domain.WhatsAppCommand {
	t.Helper()
	var rows []domain.WhatsAppCommand
	require.NoError(t, db.Order("executed_at ASC").Find(&rows).Error)
	return rows
}

func webhookRows(t *testing.T, db *gorm.DB) []domain.WhatsAppWebhookEvent {
	t.Helper()
	var rows []domain.WhatsAppWebhookEvent
	require.NoError(t, db.Order("received_at ASC").Find(&rows).Error)
	return rows
}

func retryRows(t *testing.T, db *gorm.DB) []domain.WhatsAppRetryTask {
	t.Helper()
	var rows []domain.WhatsAppRetryTask
	require.NoError(t, db.Order("created_at ASC, id ASC").Find(&rows).Error)
	return rows
}

// recordedRequest is one call seen by the fake session service.
type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// fakeSessionService is an httptest server that answers every command with a
// configurable handler and keeps the requests it saw.
type fakeSessionService struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	respond  func(w http.ResponseWriter, r *http.Request)
}

func newFakeSessionService(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) *fakeSessionService {
	t.Helper()
	f := &fakeSessionService{respond: respond}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		f.mu.Unlock()
		f.respond(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeSessionService) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func jsonReply(status int, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// bridge bundles the components of one test bridge with a fixed clock.
type bridge struct {
	db         *gorm.DB
	bus        EventBus.Bus
	devices    *GormDeviceRepository
	audit      *GormAuditRepository
	dispatcher *Dispatcher
	machine    *StateMachine
	ingestor   *Ingestor
	qr         *QRManager
	retry      *RetryScheduler
}

func newBridge(t *testing.T, baseURL string) *bridge {
	t.Helper()
	db := newTestDB(t)
	bus := EventBus.New()
	devices := NewGormDeviceRepository(db)
	audit := NewGormAuditRepository(db)

	dispatcher := NewDispatcher(baseURL, "test-key", 2*time.Second, devices, audit)
	dispatcher.now = fixedClock(testNow)
	machine := NewStateMachine(devices, bus, DefaultQRTTL)
	machine.now = fixedClock(testNow)
	ingestor := NewIngestor(devices, audit, machine)
	ingestor.now = fixedClock(testNow)
	qr := NewQRManager(devices, dispatcher, machine, DefaultQRTTL)
	qr.now = fixedClock(testNow)
	retry := NewRetryScheduler(db, dispatcher, machine, 3, 10)
	require.NoError(t, retry.Attach(bus))

	return &bridge{
		db:         db,
		bus:        bus,
		devices:    devices,
		audit:      audit,
		dispatcher: dispatcher,
		machine:    machine,
		ingestor:   ingestor,
		qr:         qr,
		retry:      retry,
	}
}
