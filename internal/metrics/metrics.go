package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SyncRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_sync_runs_total",
		Help: "Completed fleet synchronization passes.",
	})
	SyncShopErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_sync_shop_errors_total",
		Help: "Per-shop synchronization failures.",
	})
	ChatSyncErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_chat_sync_errors_total",
		Help: "Single chats skipped in a shop pass after a remote failure.",
	})
	ChatsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_chats_created_total",
		Help: "New chat rows created by sync or webhook ingest.",
	})
	ChatsUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_chats_updated_total",
		Help: "Existing chat rows refreshed from a list entry.",
	})
	ChatsReopened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_chats_reopened_total",
		Help: "Completed chats reopened by new inbound activity.",
	})
	MessagesInserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_messages_inserted_total",
		Help: "Messages persisted after dedup.",
	})
	MessagesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_messages_duplicate_total",
		Help: "Messages skipped because the content tuple already exists.",
	})
	MessagesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_messages_skipped_total",
		Help: "Remote messages without text content (system or attachment-only).",
	})
	PayloadAnomalies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_payload_anomalies_total",
		Help: "Remote payloads missing ids, text or parseable timestamps.",
	})
	APIRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_api_retries_total",
		Help: "Request retries after transient upstream failures.",
	})
	APIRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_api_rate_limited_total",
		Help: "Requests delayed by upstream rate limiting.",
	})
	APIVariantFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_api_variant_fallbacks_total",
		Help: "Endpoint variants skipped on 404/405 before one succeeded.",
	})
	WebhookReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_webhook_received_total",
		Help: "Webhook events accepted at the HTTP edge.",
	})
	WebhookUnknown = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_webhook_unknown_total",
		Help: "Webhook events with an unrecognized type or account.",
	})
	TasksEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_tasks_enqueued_total",
		Help: "Background tasks pushed to the Redis queue.",
	})
	TasksInline = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_tasks_inline_total",
		Help: "Tasks executed inline because the queue was unavailable.",
	})
	ChatsAutoCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crm_chats_auto_completed_total",
		Help: "Chats completed by the idle-age sweep.",
	})
)

func Register() {
	prometheus.MustRegister(
		SyncRuns, SyncShopErrors, ChatSyncErrors,
		ChatsCreated, ChatsUpdated, ChatsReopened,
		MessagesInserted, MessagesDuplicate, MessagesSkipped, PayloadAnomalies,
		APIRetries, APIRateLimited, APIVariantFallbacks,
		WebhookReceived, WebhookUnknown,
		TasksEnqueued, TasksInline,
		ChatsAutoCompleted,
	)
}
