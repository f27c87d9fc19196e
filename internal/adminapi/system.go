package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nakabonne/tstorage"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/pkg/metrics"
	"go.uber.org/zap"
)

type metricPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

func registerSystemRoutes() {
	webserver.ApiGET("/system/probes", getSystemProbes)
	webserver.ApiGET("/system/metrics/:name", getSystemMetric)
	webserver.ApiPOST("/system/jobs/retry/run", postRunRetryJob)
}

func getSystemProbes(c echo.Context) error {
	appCtx := GetAppContext(c)
	if appCtx == nil {
		return fail(c, http.StatusServiceUnavailable, "APP_NOT_INITIALIZED", "Application not initialized", nil)
	}
	return ok(c, appCtx.Probes())
}

// getSystemMetric returns stored points of one metric.
// since defaults to 1h; an optional label=name:value narrows the series.
func getSystemMetric(c echo.Context) error {
	name := strings.TrimSpace(c.Param("name"))
	if name == "" {
		return fail(c, http.StatusBadRequest, "INVALID_METRIC", "Metric name is required", nil)
	}
	now := time.Now()
	start := now.Add(-time.Hour)
	if v := strings.TrimSpace(c.QueryParam("since")); v != "" {
		since, err := parseSince(v, now)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_FILTER", "Invalid since", err.Error())
		}
		start = since
	}

	var labels []tstorage.Label
	if v := c.QueryParam("label"); v != "" {
		parts := strings.SplitN(v, ":", 2)
		if len(parts) != 2 {
			return fail(c, http.StatusBadRequest, "INVALID_FILTER", "label must be name:value", nil)
		}
		labels = append(labels, metrics.Label(parts[0], parts[1]))
	}

	points, err := metrics.Query(name, start.Unix(), now.Unix()+1, labels...)
	if err != nil && !errors.Is(err, tstorage.ErrNoDataPoints) {
		return fail(c, http.StatusInternalServerError, "METRICS_ERROR", "Failed to query metric", err.Error())
	}
	out := make([]metricPoint, 0, len(points))
	for _, p := range points {
		out = append(out, metricPoint{Timestamp: p.Timestamp, Value: p.Value})
	}
	return ok(c, out)
}

// postRunRetryJob drains one retry batch now instead of waiting for the cron tick
func postRunRetryJob(c echo.Context) error {
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}
	n, err := svc.RunRetryNow(c.Request().Context())
	if err != nil {
		zap.L().Warn("adminapi: manual retry run failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "RUN_FAILED", "Failed to run retry job", err.Error())
	}
	return ok(c, map[string]interface{}{"processed": n})
}
