package status

import (
	"context"
	"time"

	"github.com/forgelab/agentforge/internal/task"
	"go.uber.org/zap"
)

const (
	sinkBuffer  = 256
	sinkTimeout = 10 * time.Second
)

// Sink receives committed task views for delivery outside the core: chat
// notifications, archival, stream mirrors. Delivery is asynchronous and
// best-effort; a slow or failing sink never stalls the pipeline or the
// subscriber streams.
type Sink interface {
	Name() string
	OnTransition(ctx context.Context, v task.View) error
}

type sinkWorker struct {
	sink Sink
	ch   chan task.View
}

// RegisterSink attaches a sink. Each sink gets its own ordered queue and
// worker goroutine.
func (h *Hub) RegisterSink(s Sink) {
	w := &sinkWorker{sink: s, ch: make(chan task.View, sinkBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.workers = append(h.workers, w)
	h.mu.Unlock()

	h.sinkWg.Add(1)
	go h.runSink(w)
	h.logger.Info("registered status sink", zap.String("sink", s.Name()))
}

func (h *Hub) runSink(w *sinkWorker) {
	defer h.sinkWg.Done()
	for v := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := w.sink.OnTransition(ctx, v); err != nil {
			h.logger.Warn("sink delivery failed",
				zap.String("sink", w.sink.Name()),
				zap.String("task", v.TaskID),
				zap.Error(err))
		}
		cancel()
	}
}
