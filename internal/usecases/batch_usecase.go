package usecases

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

// Причина, с которой помечается задача, прерванная остановкой сервиса.
const shutdownReason = "processing interrupted by shutdown"

// BatchUsecase отвечает за бизнес-логику пакетной обработки документов.
// Он связывает хранилище задач, кэш движков, процессор файлов и экспорт.
// Главные задачи:
// 1. Жизненный цикл задачи (создание, запуск, отмена, удаление).
// 2. Контроль нагрузки (Rate Limiting) на число одновременных пакетов.
// 3. Изоляция ошибок: сбой одного файла не прерывает пакет.
type BatchUsecase struct {
	store     domain.JobStore
	engines   domain.EngineCache
	factory   domain.EngineFactory
	processor domain.FileProcessor
	exporter  domain.ResultExporter
	logger    *zap.Logger

	// Управление конкурентностью
	wg          sync.WaitGroup
	rateLimiter *RateLimiter // Семафор для ограничения одновременных пакетов

	// Контекст жизни usecase'а: отменяется при Shutdown
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// RateLimiter — простой ограничитель нагрузки на семафоре.
// Не дает запустить больше N пакетов одновременно, защищая движки.
type RateLimiter struct {
	semaphore     chan struct{}
	maxConcurrent int
}

// NewRateLimiter создает ограничитель с буфером на maxConcurrent операций.
func NewRateLimiter(maxConcurrent int) *RateLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 10
	}
	return &RateLimiter{
		semaphore:     make(chan struct{}, maxConcurrent),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire пытается получить разрешение на работу.
// Если лимит исчерпан — блокируется и ждет, пока кто-то не освободит место.
// Если контекст отменен — возвращает ошибку.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case rl.semaphore <- struct{}{}:
		return nil
	}
}

// Release освобождает место для следующих операций.
func (rl *RateLimiter) Release() {
	select {
	case <-rl.semaphore:
	default:
		// Защита от блокировки при попытке освободить пустой семафор
	}
}

// NewBatchUsecase создает usecase.
// maxActiveBatches ограничивает число пакетов, обрабатываемых одновременно.
func NewBatchUsecase(
	store domain.JobStore,
	engines domain.EngineCache,
	factory domain.EngineFactory,
	processor domain.FileProcessor,
	exporter domain.ResultExporter,
	logger *zap.Logger,
	maxActiveBatches int,
) *BatchUsecase {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &BatchUsecase{
		store:       store,
		engines:     engines,
		factory:     factory,
		processor:   processor,
		exporter:    exporter,
		logger:      logger,
		rateLimiter: NewRateLimiter(maxActiveBatches),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// CreateJob регистрирует новую задачу в статусе pending.
// Тип задачи принимается как в коротком ("ocr"), так и в длинном виде ("text-recognition").
func (u *BatchUsecase) CreateJob(ctx context.Context, kind string, files []string, options map[string]any) (*domain.JobSnapshot, error) {
	jobKind, err := domain.ParseJobKind(kind)
	if err != nil {
		return nil, err
	}

	id := u.store.Create(ctx, jobKind, files, options)

	u.logger.Info("задача создана",
		zap.String("job_id", id),
		zap.String("kind", string(jobKind)),
		zap.Int("files", len(files)),
	)

	return u.store.Get(ctx, id)
}

// Process синхронно прогоняет все файлы задачи через движок и возвращает итоговый снимок.
// Обработка отвязана от контекста запроса: обрыв соединения не прерывает пакет,
// его прерывает только Cancel или остановка сервиса.
func (u *BatchUsecase) Process(ctx context.Context, id string, params domain.EngineParams) (*domain.JobSnapshot, error) {
	job, engine, release, err := u.prepare(ctx, id, params)
	if err != nil {
		return nil, err
	}
	defer release()

	// Слот берем до Begin, чтобы ушедший клиент не оставил задачу в processing
	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("превышен лимит пакетов: %w", err)
	}
	defer u.rateLimiter.Release()

	if err := u.begin(id); err != nil {
		return nil, err
	}
	defer u.wg.Done()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(u.ctx, cancel)
	defer stop()

	u.run(runCtx, job, engine)

	return u.store.Get(ctx, id)
}

// ProcessAsync переводит задачу в processing и обрабатывает ее в фоне.
// Возвращает снимок сразу после старта; прогресс доступен через GetJob.
func (u *BatchUsecase) ProcessAsync(ctx context.Context, id string, params domain.EngineParams) (*domain.JobSnapshot, error) {
	job, engine, release, err := u.prepare(ctx, id, params)
	if err != nil {
		return nil, err
	}

	if err := u.begin(id); err != nil {
		release()
		return nil, err
	}

	go func() {
		defer u.wg.Done()
		defer release()

		// Соблюдаем лимиты даже в фоновой работе
		if err := u.rateLimiter.Acquire(u.ctx); err != nil {
			u.finishInterrupted(id)
			return
		}
		defer u.rateLimiter.Release()

		u.run(u.ctx, job, engine)
	}()

	return u.store.Get(ctx, id)
}

// prepare проверяет задачу и берет движок в аренду до любых изменений состояния.
// Ошибка построения движка оставляет задачу в pending.
// release нужно вызвать, когда проход закончен: до этого кэш не закроет движок.
func (u *BatchUsecase) prepare(ctx context.Context, id string, params domain.EngineParams) (*domain.BatchJob, domain.DocumentEngine, func(), error) {
	job, err := u.store.Job(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if !job.Kind.Valid() {
		return nil, nil, nil, fmt.Errorf("%w: %q", domain.ErrInvalidJobKind, job.Kind)
	}
	if job.Status != domain.JobStatusPending {
		return nil, nil, nil, fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, id, job.Status)
	}

	params = mergeOptions(params, job.Options)
	key := u.factory.CacheKey(job.Kind, params)
	engine, release, err := u.engines.Acquire(ctx, key, func() (domain.DocumentEngine, error) {
		return u.factory.NewEngine(ctx, job.Kind, params)
	})
	if err != nil {
		u.logger.Error("не удалось получить движок",
			zap.String("job_id", id),
			zap.String("engine", key),
			zap.Error(err),
		)
		return nil, nil, nil, fmt.Errorf("resolve engine: %w", err)
	}
	return job, engine, release, nil
}

// begin переводит задачу в processing и регистрирует проход в WaitGroup.
// Атомарный переход pending -> processing не дает запустить задачу дважды.
func (u *BatchUsecase) begin(id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return domain.ErrProcessingShutdown
	}
	if _, err := u.store.Begin(u.ctx, id); err != nil {
		return err
	}
	u.wg.Add(1)
	return nil
}

// run — цикл по файлам. Результат каждого файла фиксируется в хранилище сразу,
// отмена проверяется между файлами.
func (u *BatchUsecase) run(ctx context.Context, job *domain.BatchJob, engine domain.DocumentEngine) {
	u.logger.Info("обработка пакета начата",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("files", len(job.Files)),
	)

	stopped := false
	err := u.processor.ProcessFiles(ctx, job.Files, engine, func(outcome domain.FileOutcome) bool {
		if err := u.store.Record(context.WithoutCancel(ctx), job.ID, outcome); err != nil {
			stopped = true
			if !errors.Is(err, domain.ErrJobCancelled) && !errors.Is(err, domain.ErrJobNotFound) {
				u.logger.Error("не удалось записать результат файла",
					zap.String("job_id", job.ID),
					zap.Int("index", outcome.Index),
					zap.Error(err),
				)
			}
			return false
		}
		if outcome.Err != nil {
			u.logger.Warn("ошибка обработки файла",
				zap.String("job_id", job.ID),
				zap.Int("index", outcome.Index),
				zap.String("file", outcome.File),
				zap.Error(outcome.Err),
			)
		}
		return true
	})

	if err != nil {
		u.logger.Warn("обработка пакета прервана",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		u.finishInterrupted(job.ID)
		return
	}

	if err := u.store.Complete(context.Background(), job.ID); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobCancelled):
			u.logger.Info("пакет остановлен отменой", zap.String("job_id", job.ID))
		case errors.Is(err, domain.ErrJobNotFound):
			u.logger.Info("пакет удален во время обработки", zap.String("job_id", job.ID))
		default:
			u.logger.Error("не удалось завершить задачу",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
		return
	}

	if stopped {
		return
	}
	if snap, err := u.store.Get(context.Background(), job.ID); err == nil {
		u.logger.Info("пакет обработан",
			zap.String("job_id", job.ID),
			zap.Int("всего", snap.Total),
			zap.Int("успешно", snap.ResultsCount),
			zap.Int("с ошибками", snap.ErrorsCount),
		)
	}
}

// finishInterrupted помечает задачу failed, если ее не успели отменить или удалить.
func (u *BatchUsecase) finishInterrupted(id string) {
	err := u.store.Fail(context.Background(), id, shutdownReason)
	if err != nil && !errors.Is(err, domain.ErrJobCancelled) && !errors.Is(err, domain.ErrJobNotFound) {
		u.logger.Error("не удалось пометить задачу как failed",
			zap.String("job_id", id),
			zap.Error(err),
		)
	}
}

// GetJob возвращает снимок задачи.
func (u *BatchUsecase) GetJob(ctx context.Context, id string) (*domain.JobSnapshot, error) {
	return u.store.Get(ctx, id)
}

// ListJobs возвращает все задачи в порядке создания.
func (u *BatchUsecase) ListJobs(ctx context.Context) []*domain.JobSnapshot {
	return u.store.List(ctx)
}

// CancelJob отменяет задачу. Для завершенной задачи возвращает false без ошибки.
func (u *BatchUsecase) CancelJob(ctx context.Context, id string) (bool, error) {
	if _, err := u.store.Get(ctx, id); err != nil {
		return false, err
	}
	return u.store.Cancel(ctx, id), nil
}

// DeleteJob удаляет задачу в любом статусе.
// Идущий проход увидит удаление на следующем файле и остановится.
func (u *BatchUsecase) DeleteJob(ctx context.Context, id string) error {
	if !u.store.Delete(ctx, id) {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	u.logger.Info("задача удалена", zap.String("job_id", id))
	return nil
}

// ExportJob выгружает результаты задачи в outputDir.
func (u *BatchUsecase) ExportJob(ctx context.Context, id string, outputDir string) (*domain.ExportResult, error) {
	job, err := u.store.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := u.exporter.Export(ctx, job, outputDir)
	if err != nil {
		u.logger.Error("ошибка экспорта",
			zap.String("job_id", id),
			zap.Error(err),
		)
		return nil, fmt.Errorf("export %s: %w", id, err)
	}
	return result, nil
}

// Shutdown корректно останавливает работу usecase'а.
// Идущие проходы прерываются и помечаются failed.
func (u *BatchUsecase) Shutdown() {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()

	// Сигнал всем проходам остановиться
	u.cancel()

	// Ждем, пока все фоновые задачи закончатся
	u.wg.Wait()

	u.logger.Info("бизнес-логика остановлена")
}

// mergeOptions дополняет параметры движка значениями из options задачи.
func mergeOptions(params domain.EngineParams, options map[string]any) domain.EngineParams {
	if params.Lang == "" {
		if lang, ok := options["lang"].(string); ok {
			params.Lang = lang
		}
	}
	if params.Version == "" {
		if version, ok := options["version"].(string); ok {
			params.Version = version
		}
	}
	return params
}
