package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

// ProcessingTask represents one file to run through the engine, with its index for ordering
type ProcessingTask struct {
	Index int
	File  string
}

// OrderedProcessor implements domain.FileProcessor.
// With a single worker files are processed strictly one after another; with
// more workers they run concurrently but outcomes are still emitted in file order.
type OrderedProcessor struct {
	workers     int
	fileTimeout time.Duration
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc

	// Shutdown management
	shutdownOnce sync.Once
}

// NewFileProcessor creates a processor running up to workers files of one batch at a time.
// fileTimeout bounds a single engine call; zero disables the limit.
func NewFileProcessor(workers int, fileTimeout time.Duration, logger *zap.Logger) *OrderedProcessor {
	if workers < 1 {
		workers = 1
	}
	if fileTimeout < 0 {
		fileTimeout = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &OrderedProcessor{
		workers:     workers,
		fileTimeout: fileTimeout,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Stop aborts every in-flight ProcessFiles call
func (p *OrderedProcessor) Stop() {
	p.shutdownOnce.Do(func() {
		p.cancel()
		p.logger.Info("file processor stopped")
	})
}

// ProcessFiles runs engine over files and calls emit with each outcome in file order.
// It returns early with nil when emit returns false, and with the context error
// when ctx is cancelled or the processor is stopped.
func (p *OrderedProcessor) ProcessFiles(ctx context.Context, files []string, engine domain.DocumentEngine, emit func(domain.FileOutcome) bool) error {
	if len(files) == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	if p.workers == 1 || len(files) == 1 {
		return p.processSequential(runCtx, files, engine, emit)
	}
	return p.processConcurrent(runCtx, files, engine, emit)
}

// processSequential starts file N+1 only after file N has been emitted,
// so a stop requested by emit is honoured before the next engine call.
func (p *OrderedProcessor) processSequential(ctx context.Context, files []string, engine domain.DocumentEngine, emit func(domain.FileOutcome) bool) error {
	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome := p.processFile(ctx, 0, ProcessingTask{Index: i, File: file}, engine)
		if ctx.Err() != nil && outcome.Err != nil {
			// Engine was cut off by shutdown, not by its own failure.
			return ctx.Err()
		}
		if !emit(outcome) {
			return nil
		}
	}
	return nil
}

func (p *OrderedProcessor) processConcurrent(ctx context.Context, files []string, engine domain.DocumentEngine, emit func(domain.FileOutcome) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := p.workers
	if workers > len(files) {
		workers = len(files)
	}

	inputQueue := make(chan ProcessingTask)
	outputQueue := make(chan domain.FileOutcome, workers)

	// Dispatcher
	go func() {
		defer close(inputQueue)
		for i, file := range files {
			select {
			case <-ctx.Done():
				return
			case inputQueue <- ProcessingTask{Index: i, File: file}:
			}
		}
	}()

	var wg sync.WaitGroup
	for id := 0; id < workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for task := range inputQueue {
				outcome := p.processFile(ctx, id, task, engine)
				select {
				case <-ctx.Done():
					return
				case outputQueue <- outcome:
				}
			}
		}(id)
	}

	go func() {
		wg.Wait()
		close(outputQueue)
	}()

	// Re-order: hold outcomes until every earlier index has been emitted.
	pending := make(map[int]domain.FileOutcome)
	next := 0
	stopped := false
	for outcome := range outputQueue {
		if stopped {
			continue
		}
		pending[outcome.Index] = outcome
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if !emit(ready) {
				stopped = true
				cancel()
				break
			}
		}
	}

	if stopped {
		return nil
	}
	if next < len(files) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("processor emitted %d of %d files", next, len(files))
	}
	return nil
}

// processFile invokes the engine on a single file. Panics and timeouts become
// failed outcomes so one file can never take down the batch.
func (p *OrderedProcessor) processFile(ctx context.Context, workerID int, task ProcessingTask, engine domain.DocumentEngine) domain.FileOutcome {
	start := time.Now()

	p.logger.Debug("processing file",
		zap.Int("worker_id", workerID),
		zap.Int("index", task.Index),
		zap.String("file", task.File),
	)

	fileCtx := ctx
	if p.fileTimeout > 0 {
		var cancel context.CancelFunc
		fileCtx, cancel = context.WithTimeout(ctx, p.fileTimeout)
		defer cancel()
	}

	type result struct {
		data any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("engine panic recovered",
					zap.String("file", task.File),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				done <- result{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		data, err := engine.Process(fileCtx, task.File)
		done <- result{data: data, err: err}
	}()

	outcome := domain.FileOutcome{Index: task.Index, File: task.File}
	select {
	case r := <-done:
		outcome.Data, outcome.Err = r.data, r.err
	case <-fileCtx.Done():
		// The engine may ignore its context; stop waiting for it.
		outcome.Err = fmt.Errorf("process %s: %w", task.File, fileCtx.Err())
	}

	p.logger.Debug("file processed",
		zap.Int("worker_id", workerID),
		zap.Int("index", task.Index),
		zap.Bool("ok", outcome.Err == nil),
		zap.Duration("duration", time.Since(start)),
	)

	return outcome
}

// Verify that OrderedProcessor implements domain.FileProcessor interface
var _ domain.FileProcessor = (*OrderedProcessor)(nil)
