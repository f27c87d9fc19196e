package domain

var Tables = []interface{}{
	// WhatsApp
	&WhatsAppDevice{},
	&WhatsAppCommand{},
	&WhatsAppWebhookEvent{},
	&WhatsAppRetryTask{},
}
