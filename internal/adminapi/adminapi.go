package adminapi

// Init registers all admin routes on the package-level webserver.
func Init() {
	registerWhatsAppRoutes()
	registerWebhookRoutes()
	registerSystemRoutes()
}
