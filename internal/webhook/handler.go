package webhook

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/osagaming/avito-crm/internal/metrics"
	"github.com/osagaming/avito-crm/internal/tasks"
)

// Processor consumes one raw webhook body.
type Processor interface {
	Process(ctx context.Context, body []byte) error
}

// Dispatcher hands webhook bodies to the task queue, falling back to inline
// processing when the queue is missing or down. The platform only needs the
// 200; losing an event to a Redis outage is worse than a slow response.
type Dispatcher struct {
	queue *tasks.Queue
	proc  Processor
	log   *zap.Logger
}

func NewDispatcher(queue *tasks.Queue, proc Processor, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{queue: queue, proc: proc, log: log}
}

func (d *Dispatcher) Submit(ctx context.Context, body []byte) {
	if d.queue != nil {
		err := d.queue.Enqueue(ctx, tasks.Task{Type: tasks.TypeWebhook, Body: body})
		if err == nil {
			metrics.TasksEnqueued.Inc()
			return
		}
		d.log.Warn("enqueue failed, processing inline", zap.Error(err))
	}
	metrics.TasksInline.Inc()
	if err := d.proc.Process(ctx, body); err != nil {
		d.log.Error("inline webhook processing failed", zap.Error(err))
	}
}

const maxBodyBytes = 1 << 20

// Handler is the webhook HTTP edge. It always answers 200: a non-2xx makes
// the platform disable the subscription, and every failure here is
// recoverable by the periodic sync anyway.
func Handler(d *Dispatcher, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			log.Warn("webhook body read failed", zap.Error(err))
			writeOK(w)
			return
		}
		metrics.WebhookReceived.Inc()
		d.Submit(r.Context(), body)
		writeOK(w)
	})
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}
