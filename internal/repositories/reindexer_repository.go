package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/restream/reindexer/v4"
	// Используем cproto (RPC) протокол — он быстрее и эффективнее стандартного HTTP.
	_ "github.com/restream/reindexer/v4/bindings/cproto"
	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

const (
	// Имя пространства имен по умолчанию для хранения батч-задач.
	defaultJobsNamespace = "batch_jobs"

	// Настройки для управления соединениями.
	// Reindexer не любит долгие тайм-ауты, поэтому ставим разумные ограничения.
	defaultMaxRetries     = 3
	defaultRetryDelay     = 1 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultQueryTimeout   = 5 * time.Second
)

// HealthStatus хранит текущее состояние подключения к базе.
type HealthStatus struct {
	IsHealthy   bool
	LastCheck   time.Time
	LastError   error
	Connections int // Сколько активных соединений в пуле
}

// jobRecord — строка неймспейса. Индексируем только то, по чему фильтруем и сортируем,
// а саму задачу храним JSON-ом: результаты файлов имеют произвольную форму.
type jobRecord struct {
	ID        string `json:"id" reindex:"id,,pk"`
	Seq       int64  `json:"seq" reindex:"seq,tree"`
	Kind      string `json:"kind" reindex:"kind"`
	Status    string `json:"status" reindex:"status"`
	UpdatedAt int64  `json:"updated_at" reindex:"updated_at"`
	Payload   string `json:"payload"`
}

// ReindexerRepository хранит снимки батч-задач в Reindexer, чтобы они переживали рестарт.
// Он умеет:
// 1. Управлять соединениями (пулинг).
// 2. Следить за здоровьем базы.
// 3. Сохранять, удалять и загружать задачи.
type ReindexerRepository struct {
	dsn            string
	namespace      string
	maxConnections int
	logger         *zap.Logger

	// Пул соединений, чтобы параллельные запросы не ждали друг друга.
	mu          sync.RWMutex
	db          *reindexer.Reindexer   // Главное соединение
	connections []*reindexer.Reindexer // Пул дополнительных соединений
	poolSize    int
	next        atomic.Uint64 // счетчик для round-robin

	// Атомарное хранилище статуса здоровья, чтобы health check читал его без блокировок.
	healthStatus atomic.Value // хранит *HealthStatus

	// Неймспейс открываем один раз.
	collectionsInitialized atomic.Bool
	collectionsMu          sync.Mutex
}

// NewReindexerRepository создает репозиторий и сразу подключается к базе.
func NewReindexerRepository(dsn, namespace string, maxConnections int, logger *zap.Logger) (*ReindexerRepository, error) {
	if maxConnections < 1 {
		maxConnections = 1
	}
	if namespace == "" {
		namespace = defaultJobsNamespace
	}

	repo := &ReindexerRepository{
		dsn:            dsn,
		namespace:      namespace,
		maxConnections: maxConnections,
		logger:         logger,
		poolSize:       maxConnections,
		connections:    make([]*reindexer.Reindexer, 0, maxConnections),
	}

	// Инициализируем статус как "нездоров", пока не подключимся успешно.
	repo.healthStatus.Store(&HealthStatus{
		IsHealthy: false,
		LastCheck: time.Now(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	if err := repo.Connect(ctx); err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе: %w", err)
	}

	return repo, nil
}

// Connect пытается установить соединение с базой, повторяя попытки при неудаче.
func (r *ReindexerRepository) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connectWithRetry(ctx, defaultMaxRetries)
}

// connectWithRetry реализует логику повторных попыток подключения.
func (r *ReindexerRepository) connectWithRetry(ctx context.Context, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := defaultRetryDelay * time.Duration(attempt)
			r.logger.Info("повторная попытка подключения",
				zap.Int("попытка", attempt+1),
				zap.Duration("пауза", delay),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		// WithCreateDBIfMissing() автоматически создаст базу, если её нет.
		db := reindexer.NewReindex(r.dsn, reindexer.WithCreateDBIfMissing())
		if err := r.testConnection(ctx, db); err != nil {
			lastErr = err
			db.Close()
			r.logger.Warn("тест соединения провален",
				zap.Int("попытка", attempt+1),
				zap.Error(err),
			)
			continue
		}

		// Закрываем старые соединения, если это переподключение.
		r.closeAll()
		r.db = db

		for i := 0; i < r.poolSize; i++ {
			conn := reindexer.NewReindex(r.dsn, reindexer.WithCreateDBIfMissing())
			if err := r.testConnection(ctx, conn); err != nil {
				conn.Close()
				r.logger.Warn("не удалось создать соединение в пуле",
					zap.Int("индекс", i),
					zap.Error(err),
				)
				continue
			}
			r.connections = append(r.connections, conn)
		}

		// После переподключения неймспейс нужно открыть заново.
		r.collectionsInitialized.Store(false)
		r.updateHealthStatus(true, nil, len(r.connections)+1)

		r.logger.Info("успешно подключились к Reindexer",
			zap.Int("размер_пула", len(r.connections)),
			zap.String("namespace", r.namespace),
		)
		return nil
	}

	r.updateHealthStatus(false, lastErr, 0)
	return fmt.Errorf("не удалось подключиться после %d попыток: %w", maxRetries, lastErr)
}

// testConnection проверяет, что соединение пригодно к работе.
// Для cproto достаточно убедиться, что объект db не nil, а контекст не отменен.
func (r *ReindexerRepository) testConnection(ctx context.Context, db *reindexer.Reindexer) error {
	if db == nil {
		return fmt.Errorf("объект соединения nil")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return nil
}

// getConnection возвращает соединение из пула по кругу (round-robin).
func (r *ReindexerRepository) getConnection() *reindexer.Reindexer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.connections) == 0 {
		return r.db
	}
	i := r.next.Add(1) - 1
	return r.connections[i%uint64(len(r.connections))]
}

// closeAll закрывает главное соединение и пул. Вызывается под r.mu.
func (r *ReindexerRepository) closeAll() {
	if r.db != nil {
		r.db.Close()
		r.db = nil
	}
	for i, conn := range r.connections {
		if conn != nil {
			conn.Close()
			r.connections[i] = nil
		}
	}
	r.connections = r.connections[:0]
}

// updateHealthStatus атомарно обновляет информацию о здоровье репозитория.
func (r *ReindexerRepository) updateHealthStatus(isHealthy bool, err error, connections int) {
	r.healthStatus.Store(&HealthStatus{
		IsHealthy:   isHealthy,
		LastCheck:   time.Now(),
		LastError:   err,
		Connections: connections,
	})
}

// Health возвращает последний известный статус здоровья.
func (r *ReindexerRepository) Health() HealthStatus {
	status, _ := r.healthStatus.Load().(*HealthStatus)
	if status == nil {
		return HealthStatus{}
	}
	return *status
}

// markUnhealthy фиксирует ошибку запроса в статусе здоровья.
func (r *ReindexerRepository) markUnhealthy(err error) {
	r.updateHealthStatus(false, err, r.Health().Connections)
}

// EnsureCollections гарантирует, что неймспейс задач существует во всех соединениях.
func (r *ReindexerRepository) EnsureCollections(ctx context.Context) error {
	if r.collectionsInitialized.Load() {
		return nil
	}

	r.collectionsMu.Lock()
	defer r.collectionsMu.Unlock()

	// double-check locking
	if r.collectionsInitialized.Load() {
		return nil
	}

	r.mu.RLock()
	db := r.db
	pool := append([]*reindexer.Reindexer(nil), r.connections...)
	r.mu.RUnlock()

	if db == nil {
		return fmt.Errorf("соединение с базой не установлено")
	}

	opts := reindexer.DefaultNamespaceOptions()

	// Передаем jobRecord{}, чтобы Reindexer понял схему (поля и индексы).
	if err := db.OpenNamespace(r.namespace, opts, jobRecord{}); err != nil {
		return fmt.Errorf("ошибка открытия неймспейса: %w", err)
	}
	for i, conn := range pool {
		if conn == nil {
			continue
		}
		if err := conn.OpenNamespace(r.namespace, opts, jobRecord{}); err != nil {
			r.logger.Warn("ошибка открытия неймспейса для соединения из пула",
				zap.Int("индекс", i),
				zap.Error(err),
			)
		}
	}

	r.collectionsInitialized.Store(true)
	r.logger.Info("коллекции инициализированы", zap.String("namespace", r.namespace))
	return nil
}

// Save сохраняет снимок задачи (Upsert: создаст или обновит).
func (r *ReindexerRepository) Save(ctx context.Context, job *domain.BatchJob) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	if err := r.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("ошибка проверки коллекций: %w", err)
	}

	rec, err := encodeJob(job)
	if err != nil {
		return err
	}

	db := r.getConnection()
	if db == nil {
		return fmt.Errorf("нет доступного соединения с БД")
	}

	if err := db.Upsert(r.namespace, rec); err != nil {
		r.logger.Error("ошибка сохранения задачи",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		r.markUnhealthy(err)
		return fmt.Errorf("ошибка при сохранении: %w", err)
	}

	return nil
}

// Delete удаляет задачу по ID. Отсутствие задачи ошибкой не считается.
func (r *ReindexerRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	if err := r.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("ошибка проверки коллекций: %w", err)
	}

	db := r.getConnection()
	if db == nil {
		return fmt.Errorf("нет доступного соединения с БД")
	}

	if _, err := db.Query(r.namespace).Where("id", reindexer.EQ, id).Delete(); err != nil {
		r.logger.Error("ошибка удаления задачи",
			zap.String("job_id", id),
			zap.Error(err),
		)
		r.markUnhealthy(err)
		return fmt.Errorf("ошибка при удалении: %w", err)
	}

	return nil
}

// LoadAll загружает все задачи в порядке создания (по seq).
// Битые записи пропускаются с предупреждением, чтобы одна запись не блокировала старт.
func (r *ReindexerRepository) LoadAll(ctx context.Context) ([]*domain.BatchJob, error) {
	// Увеличенный таймаут, так как задач может быть много.
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout*2)
	defer cancel()

	if err := r.EnsureCollections(ctx); err != nil {
		return nil, fmt.Errorf("ошибка проверки коллекций: %w", err)
	}

	db := r.getConnection()
	if db == nil {
		return nil, fmt.Errorf("нет доступного соединения с БД")
	}

	iter := db.Query(r.namespace).Sort("seq", false).Exec()
	defer iter.Close()

	if err := iter.Error(); err != nil {
		r.markUnhealthy(err)
		return nil, fmt.Errorf("ошибка запроса списка: %w", err)
	}

	var jobs []*domain.BatchJob
	for iter.Next() {
		rec, ok := iter.Object().(*jobRecord)
		if !ok || rec == nil {
			r.logger.Error("ошибка приведения типов",
				zap.String("тип", fmt.Sprintf("%T", iter.Object())),
			)
			continue
		}
		job, err := decodeJob(rec)
		if err != nil {
			r.logger.Warn("пропускаем поврежденную задачу",
				zap.String("job_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		jobs = append(jobs, job)
	}

	r.logger.Debug("задачи загружены", zap.Int("count", len(jobs)))
	return jobs, nil
}

// CheckConnection проверяет здоровье соединения (для внешних health check'ов).
func (r *ReindexerRepository) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	r.mu.RLock()
	db := r.db
	r.mu.RUnlock()

	if db == nil {
		return fmt.Errorf("соединение не установлено")
	}

	if err := r.testConnection(ctx, db); err != nil {
		r.markUnhealthy(err)
		return fmt.Errorf("проверка связи не прошла: %w", err)
	}

	r.updateHealthStatus(true, nil, r.Health().Connections)
	return nil
}

// Close закрывает все соединения с базой данных.
func (r *ReindexerRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeAll()
	r.updateHealthStatus(false, fmt.Errorf("соединение закрыто"), 0)
	return nil
}

func encodeJob(job *domain.BatchJob) (*jobRecord, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации задачи %s: %w", job.ID, err)
	}
	return &jobRecord{
		ID:        job.ID,
		Seq:       job.Seq,
		Kind:      string(job.Kind),
		Status:    string(job.Status),
		UpdatedAt: time.Now().Unix(),
		Payload:   string(payload),
	}, nil
}

func decodeJob(rec *jobRecord) (*domain.BatchJob, error) {
	var job domain.BatchJob
	if err := json.Unmarshal([]byte(rec.Payload), &job); err != nil {
		return nil, fmt.Errorf("ошибка десериализации задачи %s: %w", rec.ID, err)
	}
	if job.ID == "" {
		job.ID = rec.ID
	}
	return &job, nil
}

// Проверка интерфейсов (compile-time check).
var (
	_ domain.JobRepository = (*ReindexerRepository)(nil)
	_ domain.HealthChecker = (*ReindexerRepository)(nil)
)
