package adminapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gocarina/gocsv"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/internal/whatsapp"
	"go.uber.org/zap"
)

const maxBulkRecipients = 5000

type deviceCreatePayload struct {
	UserID    string `json:"user_id"`
	DeviceKey string `json:"device_key"`
	Phone     string `json:"phone"`
	Name      string `json:"name"`
}

type sendPayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type bulkPayload struct {
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	DelayMs    *int     `json:"delay_ms"`
	Async      bool     `json:"async"`
}

// bulkRecipientRow is one row of an uploaded recipients CSV.
type bulkRecipientRow struct {
	Phone string `csv:"phone"`
}

func registerWhatsAppRoutes() {
	webserver.ApiGET("/whatsapp/devices", listWhatsAppDevices)
	webserver.ApiPOST("/whatsapp/devices", postWhatsAppCreateDevice)
	webserver.ApiGET("/whatsapp/devices/:id", getWhatsAppDevice)
	webserver.ApiDELETE("/whatsapp/devices/:id", deleteWhatsAppDevice)
	webserver.ApiPOST("/whatsapp/devices/:id/connect", postWhatsAppConnect)
	webserver.ApiPOST("/whatsapp/devices/:id/disconnect", postWhatsAppDisconnect)
	webserver.ApiPOST("/whatsapp/devices/:id/reconnect", postWhatsAppReconnect)
	webserver.ApiGET("/whatsapp/devices/:id/qr", getWhatsAppDeviceQR)
	webserver.ApiDELETE("/whatsapp/devices/:id/qr", deleteWhatsAppDeviceQR)
	webserver.ApiPOST("/whatsapp/devices/:id/send", postWhatsAppSend)
	webserver.ApiPOST("/whatsapp/devices/:id/bulk", postWhatsAppBulkSend)
	webserver.ApiGET("/whatsapp/bulk/:job", getWhatsAppBulkJob)
	webserver.ApiGET("/whatsapp/commands", listWhatsAppCommands)
	webserver.ApiGET("/whatsapp/webhooks", listWhatsAppWebhooks)
	webserver.ApiGET("/whatsapp/retries", listWhatsAppRetries)
	webserver.ApiGET("/whatsapp/stats", getWhatsAppStats)
	webserver.ApiGET("/whatsapp/health", getWhatsAppHealth)
}

func serviceOrFail(c echo.Context) (*whatsapp.Service, error) {
	svc := whatsapp.Get()
	if svc == nil {
		return nil, fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp service not initialized", nil)
	}
	return svc, nil
}

// errorStatus maps a bridge error to an HTTP status.
func errorStatus(kind whatsapp.ErrorKind) int {
	switch kind {
	case whatsapp.KindDeviceNotFound:
		return http.StatusNotFound
	case whatsapp.KindValidation:
		return http.StatusBadRequest
	case whatsapp.KindTransport:
		return http.StatusBadGateway
	case whatsapp.KindProtocol, whatsapp.KindRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// commandResponse renders a dispatch result: a generic message plus the remote error text.
func commandResponse(c echo.Context, res whatsapp.CommandResult) error {
	if res.Success {
		return ok(c, res)
	}
	return fail(c, errorStatus(res.Kind), "COMMAND_FAILED", "Command failed: "+res.Error, res)
}

func listWhatsAppDevices(c echo.Context) error {
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	page, pageSize := parsePagination(c)
	filter := whatsapp.DeviceFilter{
		Status: strings.TrimSpace(c.QueryParam("status")),
		Q:      strings.TrimSpace(c.QueryParam("q")),
	}
	if uid := c.QueryParam("user_id"); uid != "" {
		filter.UserID, _ = strconv.ParseInt(uid, 10, 64)
	}
	devices, total, err := svc.ListDevices(c.Request().Context(), filter, page, pageSize)
	if err != nil {
		zap.L().Warn("adminapi: list devices failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "LIST_FAILED", "Failed to list devices", err.Error())
	}
	return paged(c, devices, total, page, pageSize)
}

func postWhatsAppCreateDevice(c echo.Context) error {
	var payload deviceCreatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.DeviceKey == "" || payload.UserID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "user_id and device_key are required", nil)
	}
	userID, err := strconv.ParseInt(payload.UserID, 10, 64)
	if err != nil || userID <= 0 {
		return fail(c, http.StatusBadRequest, "INVALID_USER_ID", "Invalid user id", nil)
	}
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	device, err := svc.CreateDevice(c.Request().Context(), userID, payload.DeviceKey, payload.Phone, payload.Name)
	if err != nil {
		zap.L().Warn("adminapi: create device failed", zap.Error(err), zap.String("device_key", payload.DeviceKey))
		if errors.Is(err, whatsapp.ErrValidation) {
			return fail(c, http.StatusBadRequest, "INVALID_DEVICE", "Invalid device", err.Error())
		}
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create device", err.Error())
	}
	return ok(c, device)
}

func getWhatsAppDevice(c echo.Context) error {
	id, valid := parseID(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	device, err := svc.GetDevice(c.Request().Context(), id)
	if err != nil {
		return fail(c, errorStatus(whatsapp.KindOf(err)), "DEVICE_NOT_FOUND", "Device not found", err.Error())
	}
	return ok(c, device)
}

func deleteWhatsAppDevice(c echo.Context) error {
	id, valid := parseID(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	zap.L().Info("adminapi: remove device requested", zap.Int64("id", id), zap.String("remote_addr", c.RealIP()))
	if err := svc.RemoveDevice(c.Request().Context(), id); err != nil {
		zap.L().Warn("adminapi: remove device failed", zap.Error(err), zap.Int64("id", id))
		return fail(c, errorStatus(whatsapp.KindOf(err)), "REMOVE_FAILED", "Failed to remove device", err.Error())
	}
	return ok(c, map[string]interface{}{"removed": true})
}

func postWhatsAppConnect(c echo.Context) error {
	return deviceCommand(c, (*whatsapp.Service).Connect)
}

func postWhatsAppDisconnect(c echo.Context) error {
	return deviceCommand(c, (*whatsapp.Service).Disconnect)
}

// postWhatsAppReconnect is the manual reconnect once automatic retries are exhausted
func postWhatsAppReconnect(c echo.Context) error {
	return deviceCommand(c, (*whatsapp.Service).Reconnect)
}

func deviceCommand(c echo.Context, run func(*whatsapp.Service, context.Context, int64) whatsapp.CommandResult) error {
	id, valid := parseID(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	return commandResponse(c, run(svc, c.Request().Context(), id))
}

// getWhatsAppDeviceQR returns the cached pairing code or fetches a fresh one.
// The frontend renders the QR image from the code.
func getWhatsAppDeviceQR(c echo.Context) error {
	id, valid := parseID(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	res := svc.GetQR(c.Request().Context(), id)
	if !res.Success {
		return fail(c, errorStatus(res.Kind), "QR_FAILED", "Failed to get QR code: "+res.Error, res)
	}
	return ok(c, res)
}

func deleteWhatsAppDeviceQR(c echo.Context) error {
	id, valid := parseID(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	if err := svc.ClearQR(c.Request().Context(), id); err != nil {
		return fail(c, errorStatus(whatsapp.KindOf(err)), "CLEAR_FAILED", "Failed to clear QR code", err.Error())
	}
	return ok(c, map[string]interface{}{"cleared": true})
}

// postWhatsAppSend sends a text message.
// Body JSON: { "to": "62812xxxx", "message": "hello" }
func postWhatsAppSend(c echo.Context) error {
	id, valid := parseID(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.To == "" || payload.Message == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "to and message are required", nil)
	}
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	return commandResponse(c, svc.SendText(c.Request().Context(), id, payload.To, payload.Message))
}

// postWhatsAppBulkSend accepts JSON {recipients, message, delay_ms, async} or a
// multipart form with a "file" CSV (column "phone") plus message, delay_ms and async fields.
func postWhatsAppBulkSend(c echo.Context) error {
	id, valid := parseID(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}

	payload, err := readBulkPayload(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if len(payload.Recipients) == 0 || payload.Message == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "recipients and message are required", nil)
	}
	if len(payload.Recipients) > maxBulkRecipients {
		return fail(c, http.StatusBadRequest, "TOO_MANY_RECIPIENTS", "Too many recipients", maxBulkRecipients)
	}
	delay := time.Duration(-1)
	if payload.DelayMs != nil {
		if *payload.DelayMs < 0 {
			return fail(c, http.StatusBadRequest, "INVALID_DELAY", "delay_ms must not be negative", nil)
		}
		delay = time.Duration(*payload.DelayMs) * time.Millisecond
	}

	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	ctx := c.Request().Context()

	if payload.Async {
		job, err := svc.SubmitBulk(ctx, id, payload.Recipients, payload.Message, delay)
		if err != nil {
			zap.L().Warn("adminapi: submit bulk failed", zap.Error(err), zap.Int64("id", id))
			status := errorStatus(whatsapp.KindOf(err))
			if status == http.StatusInternalServerError {
				status = http.StatusServiceUnavailable
			}
			return fail(c, status, "BULK_REJECTED", "Bulk job rejected", err.Error())
		}
		return c.JSON(http.StatusAccepted, map[string]interface{}{"data": job})
	}

	results, err := svc.BulkSend(ctx, id, payload.Recipients, payload.Message, delay)
	if err != nil {
		return fail(c, errorStatus(whatsapp.KindOf(err)), "BULK_FAILED", "Bulk send failed", err.Error())
	}
	sent := 0
	for _, r := range results {
		if r.Success {
			sent++
		}
	}
	return ok(c, map[string]interface{}{
		"total":   len(results),
		"sent":    sent,
		"failed":  len(results) - sent,
		"results": results,
	})
}

func readBulkPayload(c echo.Context) (*bulkPayload, error) {
	ctype := c.Request().Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(ctype, echo.MIMEMultipartForm) {
		var payload bulkPayload
		if err := c.Bind(&payload); err != nil {
			return nil, err
		}
		payload.Recipients = cleanRecipients(payload.Recipients)
		return &payload, nil
	}

	payload := &bulkPayload{Message: c.FormValue("message")}
	if v := strings.TrimSpace(c.FormValue("delay_ms")); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrap(err, "delay_ms")
		}
		payload.DelayMs = &ms
	}
	payload.Async, _ = strconv.ParseBool(c.FormValue("async"))

	fh, err := c.FormFile("file")
	if err != nil {
		return nil, errors.Wrap(err, "file")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []*bulkRecipientRow
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return nil, errors.Wrap(err, "parse csv")
	}
	recipients := make([]string, 0, len(rows))
	for _, row := range rows {
		recipients = append(recipients, row.Phone)
	}
	payload.Recipients = cleanRecipients(recipients)
	return payload, nil
}

// cleanRecipients trims entries and drops blanks, keeping input order.
func cleanRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func getWhatsAppBulkJob(c echo.Context) error {
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	job, found := svc.BulkJob(c.Param("job"))
	if !found {
		return fail(c, http.StatusNotFound, "JOB_NOT_FOUND", "Bulk job not found", nil)
	}
	return ok(c, job)
}

func listWhatsAppCommands(c echo.Context) error {
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	filter, err := parseAuditFilter(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_FILTER", "Invalid filter", err.Error())
	}
	filter.EventType = strings.TrimSpace(c.QueryParam("command"))
	page, pageSize := parsePagination(c)
	rows, total, err := svc.ListCommands(c.Request().Context(), filter, page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query commands", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

func listWhatsAppWebhooks(c echo.Context) error {
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	filter, err := parseAuditFilter(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_FILTER", "Invalid filter", err.Error())
	}
	filter.EventType = strings.TrimSpace(c.QueryParam("event_type"))
	page, pageSize := parsePagination(c)
	rows, total, err := svc.ListWebhooks(c.Request().Context(), filter, page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query webhook events", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

func listWhatsAppRetries(c echo.Context) error {
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	page, pageSize := parsePagination(c)
	rows, total, err := svc.ListRetryTasks(c.Request().Context(), strings.TrimSpace(c.QueryParam("status")), page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query retry tasks", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

// getWhatsAppStats returns command latency stats, default window 24h
func getWhatsAppStats(c echo.Context) error {
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	filter, err := parseAuditFilter(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_FILTER", "Invalid filter", err.Error())
	}
	if filter.Since.IsZero() {
		filter.Since = time.Now().Add(-24 * time.Hour)
	}
	st, err := svc.CommandStats(c.Request().Context(), filter.DeviceID, filter.Since)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to compute stats", err.Error())
	}
	return ok(c, map[string]interface{}{"since": filter.Since, "latency": st})
}

func getWhatsAppHealth(c echo.Context) error {
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	return ok(c, map[string]interface{}{"reachable": svc.Health(c.Request().Context())})
}

// parseAuditFilter reads device_id and since. since accepts a duration such as
// "24h" or any date format dateparse understands.
func parseAuditFilter(c echo.Context) (whatsapp.AuditFilter, error) {
	var filter whatsapp.AuditFilter
	if v := strings.TrimSpace(c.QueryParam("device_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, errors.Wrap(err, "device_id")
		}
		filter.DeviceID = id
	}
	filter.Status = strings.TrimSpace(c.QueryParam("status"))
	if v := strings.TrimSpace(c.QueryParam("since")); v != "" {
		since, err := parseSince(v, time.Now())
		if err != nil {
			return filter, err
		}
		filter.Since = since
	}
	return filter, nil
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	t, err := dateparse.ParseLocal(v)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "since %q", v)
	}
	return t, nil
}
