package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one popped task.
type Handler func(ctx context.Context, t Task) error

// Worker drains the queue in a single background goroutine. Pop errors are
// logged and retried after a pause so a Redis hiccup does not spin the loop.
type Worker struct {
	queue    *Queue
	handle   Handler
	popBlock time.Duration
	log      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(queue *Queue, handle Handler, popBlock time.Duration, log *zap.Logger) *Worker {
	if popBlock <= 0 {
		popBlock = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{queue: queue, handle: handle, popBlock: popBlock, log: log}
}

func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		t, err := w.queue.Pop(ctx, w.popBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("task pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if t == nil {
			continue
		}
		if err := w.handle(ctx, *t); err != nil {
			w.log.Error("task failed", zap.String("type", t.Type), zap.Error(err))
		}
	}
}
