package adminapi

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wabridge/internal/webserver"
	"go.uber.org/zap"
)

// WebhookSecretHeader carries the shared secret on inbound webhooks.
const WebhookSecretHeader = "X-Webhook-Secret"

func registerWebhookRoutes() {
	webserver.OpenPOST("/whatsapp/webhook", postWhatsAppWebhook)
}

// postWhatsAppWebhook ingests one event from the session service.
// Every accepted request is audited, including ignored and failed ones.
func postWhatsAppWebhook(c echo.Context) error {
	svc, err := serviceOrFail(c)
	if svc == nil {
		return err
	}

	if secret := svc.WebhookSecret(); secret != "" {
		got := c.Request().Header.Get(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			zap.L().Warn("adminapi: webhook rejected, bad secret", zap.String("remote_addr", c.RealIP()))
			return fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid webhook secret", nil)
		}
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to read request body", err.Error())
	}

	res := svc.ProcessWebhookRaw(c.Request().Context(), body)
	if res.Success {
		return ok(c, res)
	}
	return fail(c, errorStatus(res.Kind), "WEBHOOK_FAILED", "Webhook processing failed: "+res.Error, res)
}
