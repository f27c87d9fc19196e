package adminapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/app"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/internal/whatsapp"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type remoteStub struct {
	*httptest.Server
	mu    sync.Mutex
	paths []string
}

func newRemoteStub(t *testing.T) *remoteStub {
	t.Helper()
	r := &remoteStub{}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.Copy(io.Discard, req.Body)
		r.mu.Lock()
		r.paths = append(r.paths, req.URL.Path)
		r.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(req.URL.Path, "/getQR") {
			_, _ = io.WriteString(w, `{"success":true,"qr":"PAIR-ME"}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *remoteStub) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

type testEnv struct {
	e      *echo.Echo
	db     *gorm.DB
	svc    *whatsapp.Service
	remote *remoteStub
}

func setupEnv(t *testing.T, mutate func(*config.AppConfig)) *testEnv {
	t.Helper()
	remote := newRemoteStub(t)

	cfg := *config.DefaultAppConfig
	cfg.WhatsApp.BaseURL = remote.URL
	cfg.WhatsApp.BulkDelayMs = 0
	cfg.Notify.LogEnable = false
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	application := app.NewApplication(&cfg)
	application.OverrideDB(db)
	require.NoError(t, application.MigrateDB(false))

	svc, err := whatsapp.New(application)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	webserver.Init(application)
	Init()
	return &testEnv{e: webserver.Server().Echo(), db: db, svc: svc, remote: remote}
}

func (env *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) createDevice(t *testing.T, key string) *domain.WhatsAppDevice {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/whatsapp/devices", `{"user_id":"7","device_key":"`+key+`","phone":"628","name":"Shop"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var device domain.WhatsAppDevice
	require.NoError(t, env.db.Where("device_key = ?", key).First(&device).Error)
	return &device
}

func idPath(format string, id int64) string {
	return strings.Replace(format, ":id", strconv.FormatInt(id, 10), 1)
}

func TestWebhookRequiresSecret(t *testing.T) {
	env := setupEnv(t, func(cfg *config.AppConfig) {
		cfg.WhatsApp.WebhookSecret = "s3cret"
	})
	device := env.createDevice(t, "dev-1")
	body := `{"eventType":"qr.update","payload":{"deviceId":"dev-1","qr":"ABC123"}}`

	rec := env.do(t, http.MethodPost, "/api/v1/whatsapp/webhook", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/whatsapp/webhook", body, map[string]string{WebhookSecretHeader: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/whatsapp/webhook", body, map[string]string{WebhookSecretHeader: "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got domain.WhatsAppDevice
	require.NoError(t, env.db.First(&got, device.ID).Error)
	require.Equal(t, domain.DevicePairing, got.Status)
	require.Equal(t, "ABC123", *got.QRCode)
}

func TestWebhookStatusCodes(t *testing.T) {
	env := setupEnv(t, nil)
	env.createDevice(t, "dev-1")

	rec := env.do(t, http.MethodPost, "/api/v1/whatsapp/webhook", `{"eventType":"ready","payload":{"deviceId":"ghost"}}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/whatsapp/webhook", `{broken`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/whatsapp/webhook", `{"eventType":"unknown.event","payload":{"deviceId":"dev-1"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ignored":true`)

	var count int64
	require.NoError(t, env.db.Model(&domain.WhatsAppWebhookEvent{}).Count(&count).Error)
	require.EqualValues(t, 3, count)
}

func TestAdminTokenGuardsAPIButNotWebhook(t *testing.T) {
	env := setupEnv(t, func(cfg *config.AppConfig) {
		cfg.Web.APIToken = "admin-token"
	})

	rec := env.do(t, http.MethodGet, "/api/v1/whatsapp/devices", "", map[string]string{echo.HeaderAuthorization: "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/whatsapp/devices", "", nil)
	require.NotEqual(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/whatsapp/devices", "", map[string]string{echo.HeaderAuthorization: "Bearer admin-token"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/whatsapp/webhook", `{"eventType":"ready","payload":{"deviceId":"ghost"}}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceRoutes(t *testing.T) {
	env := setupEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/whatsapp/devices", `{"user_id":"7"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	device := env.createDevice(t, "dev-1")

	rec = env.do(t, http.MethodGet, "/api/v1/whatsapp/devices?q=dev", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":1`)

	rec = env.do(t, http.MethodGet, idPath("/api/v1/whatsapp/devices/:id", device.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"device_key":"dev-1"`)

	rec = env.do(t, http.MethodGet, "/api/v1/whatsapp/devices/123", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/whatsapp/devices/abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, idPath("/api/v1/whatsapp/devices/:id/connect", device.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, idPath("/api/v1/whatsapp/devices/:id/qr", device.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"qr":"PAIR-ME"`)
	require.Contains(t, rec.Body.String(), `"cached":false`)

	rec = env.do(t, http.MethodGet, idPath("/api/v1/whatsapp/devices/:id/qr", device.ID), "", nil)
	require.Contains(t, rec.Body.String(), `"cached":true`)

	rec = env.do(t, http.MethodDelete, idPath("/api/v1/whatsapp/devices/:id/qr", device.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, idPath("/api/v1/whatsapp/devices/:id/send", device.ID), `{"to":"628"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, idPath("/api/v1/whatsapp/devices/:id/send", device.ID), `{"to":"628","message":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/whatsapp/commands?since=1h&command=sendMessage", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":1`)

	rec = env.do(t, http.MethodGet, "/api/v1/whatsapp/commands?since=yesterday-ish", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/whatsapp/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":3`)

	rec = env.do(t, http.MethodDelete, idPath("/api/v1/whatsapp/devices/:id", device.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "/api/device/dev-1/disconnect", env.remote.Paths()[len(env.remote.Paths())-1])

	rec = env.do(t, http.MethodGet, idPath("/api/v1/whatsapp/devices/:id", device.ID), "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkCSVUpload(t *testing.T) {
	env := setupEnv(t, nil)
	device := env.createDevice(t, "dev-1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("message", "promo"))
	require.NoError(t, mw.WriteField("delay_ms", "0"))
	part, err := mw.CreateFormFile("file", "recipients.csv")
	require.NoError(t, err)
	_, err = io.WriteString(part, "phone\n6281\n\n6282\n6283\n")
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, idPath("/api/v1/whatsapp/devices/:id/bulk", device.ID), &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"total":3`)
	require.Contains(t, rec.Body.String(), `"sent":3`)

	var sends []string
	for _, p := range env.remote.Paths() {
		if strings.HasSuffix(p, "/sendMessage") {
			sends = append(sends, p)
		}
	}
	require.Len(t, sends, 3)
}

func TestBulkAsyncJob(t *testing.T) {
	env := setupEnv(t, nil)
	device := env.createDevice(t, "dev-1")

	rec := env.do(t, http.MethodPost, idPath("/api/v1/whatsapp/devices/:id/bulk", device.ID),
		`{"recipients":["1"," ","2"],"message":"m","delay_ms":0,"async":true}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		Data whatsapp.BulkJob `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Data.Total)

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/v1/whatsapp/bulk/"+resp.Data.ID, "", nil)
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"status":"done"`)
	}, 2*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/v1/whatsapp/bulk/unknown", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, idPath("/api/v1/whatsapp/devices/:id/bulk", device.ID), `{"recipients":[],"message":"m"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemRoutes(t *testing.T) {
	env := setupEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/system/probes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "whatsapp_remote")

	rec = env.do(t, http.MethodPost, "/api/v1/system/jobs/retry/run", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"processed":0`)

	rec = env.do(t, http.MethodGet, "/api/v1/system/metrics/system_cpuuse", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("90m", now)
	require.NoError(t, err)
	require.True(t, got.Equal(now.Add(-90*time.Minute)))

	got, err = parseSince("2026-05-30", now)
	require.NoError(t, err)
	require.Equal(t, 2026, got.Year())
	require.Equal(t, time.May, got.Month())
	require.Equal(t, 30, got.Day())

	_, err = parseSince("not a date", now)
	require.Error(t, err)
}

func TestCleanRecipients(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, cleanRecipients([]string{" a ", "", "  ", "b"}))
}
