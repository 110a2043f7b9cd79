package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/wake-audio-service/internal/metrics"
)

// ErrQueueFull is returned by TrySubmit when a bounded queue has no room
var ErrQueueFull = errors.New("transcription queue is full")

// Result is the outcome of transcribing one recording
type Result struct {
	Text       string
	Annotation string
	Language   string
	RequestID  string
}

// Transcriber turns a finished recording into text
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (*Result, error)
}

// ResultHandler is notified for every recording that produced text.
// annotation is empty when the transcriber returned none.
type ResultHandler interface {
	HandleTranscript(path, text, annotation string)
}

// WorkerStats represents worker statistics
type WorkerStats struct {
	Submitted  uint64 `json:"submitted"`
	Rejected   uint64 `json:"rejected"`
	Processed  uint64 `json:"processed"`
	Failed     uint64 `json:"failed"`
	EmptyText  uint64 `json:"empty_text"`
	QueueSize  int    `json:"queue_size"`
	Capacity   int    `json:"capacity"`
	Running    bool   `json:"is_running"`
	InProgress string `json:"in_progress,omitempty"`
}

// Worker transcribes submitted recordings one at a time in the background.
// Submit never blocks; with a capacity of 0 the queue is unbounded.
type Worker struct {
	transcriber Transcriber
	handler     ResultHandler
	capacity    int
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu         sync.Mutex
	queue      []string
	inProgress string
	notify     chan struct{}

	lifecycle sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	submitted atomic.Uint64
	rejected  atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	emptyText atomic.Uint64
}

// NewWorker creates a stopped worker. handler and m may be nil.
func NewWorker(transcriber Transcriber, handler ResultHandler, capacity int, logger *slog.Logger, m *metrics.Metrics) (*Worker, error) {
	if transcriber == nil {
		return nil, fmt.Errorf("transcriber cannot be nil")
	}
	if capacity < 0 {
		return nil, fmt.Errorf("queue capacity cannot be negative, got %d", capacity)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		transcriber: transcriber,
		handler:     handler,
		capacity:    capacity,
		logger:      logger.With(slog.String("component", "transcription")),
		metrics:     m,
		notify:      make(chan struct{}, 1),
	}, nil
}

// Start launches the worker goroutine. Starting a running worker is a no-op.
func (w *Worker) Start() {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running.Store(true)
	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("Transcription worker started", slog.Int("capacity", w.capacity))
}

// Stop cancels the in-flight transcription, waits for the worker to exit
// and drops whatever is still queued. If ctx expires first the worker is
// still reported as running, Start stays a no-op and Stop may be retried.
func (w *Worker) Stop(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if !w.running.Load() {
		return nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("transcription worker did not stop: %w", ctx.Err())
	}
	w.running.Store(false)

	w.mu.Lock()
	dropped := len(w.queue)
	w.queue = nil
	w.mu.Unlock()
	w.metrics.SetTranscriptionQueueSize(0)

	if dropped > 0 {
		w.logger.Warn("Transcription worker stopped with queued recordings",
			slog.Int("dropped", dropped))
	} else {
		w.logger.Info("Transcription worker stopped")
	}
	return nil
}

// Submit queues a finished recording. A full bounded queue drops it with a warning.
func (w *Worker) Submit(path string) {
	if err := w.TrySubmit(path); err != nil {
		w.logger.Warn("Recording not queued for transcription",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}

// TrySubmit queues a finished recording or returns ErrQueueFull
func (w *Worker) TrySubmit(path string) error {
	w.mu.Lock()
	if w.capacity > 0 && len(w.queue) >= w.capacity {
		w.mu.Unlock()
		w.rejected.Add(1)
		w.metrics.RecordTranscriptionRejected()
		return ErrQueueFull
	}
	w.queue = append(w.queue, path)
	size := len(w.queue)
	w.mu.Unlock()

	w.submitted.Add(1)
	w.metrics.RecordTranscriptionQueued(size)

	select {
	case w.notify <- struct{}{}:
	default:
	}

	w.logger.Debug("Recording queued for transcription",
		slog.String("path", path),
		slog.Int("queue_size", size))
	return nil
}

// QueueSize returns the number of recordings waiting to be transcribed
func (w *Worker) QueueSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// IsRunning reports whether the worker goroutine is active
func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

// Stats returns a snapshot of the worker counters
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	size := len(w.queue)
	inProgress := w.inProgress
	w.mu.Unlock()

	return WorkerStats{
		Submitted:  w.submitted.Load(),
		Rejected:   w.rejected.Load(),
		Processed:  w.processed.Load(),
		Failed:     w.failed.Load(),
		EmptyText:  w.emptyText.Load(),
		QueueSize:  size,
		Capacity:   w.capacity,
		Running:    w.running.Load(),
		InProgress: inProgress,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		path, ok := w.next(ctx)
		if !ok {
			return
		}
		w.process(ctx, path)

		w.mu.Lock()
		w.inProgress = ""
		w.mu.Unlock()
	}
}

// next blocks until a recording is queued or ctx is cancelled
func (w *Worker) next(ctx context.Context) (string, bool) {
	for {
		if ctx.Err() != nil {
			return "", false
		}

		w.mu.Lock()
		if len(w.queue) > 0 {
			path := w.queue[0]
			w.queue[0] = ""
			w.queue = w.queue[1:]
			w.inProgress = path
			size := len(w.queue)
			w.mu.Unlock()
			w.metrics.SetTranscriptionQueueSize(size)
			return path, true
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-w.notify:
		}
	}
}

func (w *Worker) process(ctx context.Context, path string) {
	logger := w.logger.With(slog.String("path", path))
	start := time.Now()

	result, err := w.transcriber.Transcribe(ctx, path)
	elapsed := time.Since(start)
	if err != nil {
		w.failed.Add(1)
		w.metrics.RecordTranscriptionFailure(elapsed.Seconds())
		logger.Error("Transcription failed",
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		return
	}

	w.processed.Add(1)
	w.metrics.RecordTranscriptionSuccess(elapsed.Seconds())

	if result == nil || result.Text == "" {
		w.emptyText.Add(1)
		logger.Info("Transcription returned no text", slog.Duration("elapsed", elapsed))
		return
	}

	logger.Info("Transcription completed",
		slog.Duration("elapsed", elapsed),
		slog.String("text", result.Text),
		slog.String("language", result.Language),
		slog.Bool("annotated", result.Annotation != ""))

	if w.handler != nil {
		w.deliver(logger, path, result)
	}
}

func (w *Worker) deliver(logger *slog.Logger, path string, result *Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Transcript handler panicked", slog.Any("panic", r))
		}
	}()
	w.handler.HandleTranscript(path, result.Text, result.Annotation)
}
