package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/cache"
	"github.com/PiKa919/paddle-ui/internal/config"
	"github.com/PiKa919/paddle-ui/internal/domain"
	"github.com/PiKa919/paddle-ui/internal/engines"
	"github.com/PiKa919/paddle-ui/internal/exporter"
	"github.com/PiKa919/paddle-ui/internal/handlers"
	"github.com/PiKa919/paddle-ui/internal/jobstore"
	"github.com/PiKa919/paddle-ui/internal/middleware"
	"github.com/PiKa919/paddle-ui/internal/processor"
	"github.com/PiKa919/paddle-ui/internal/repositories"
	"github.com/PiKa919/paddle-ui/internal/usecases"
	"github.com/PiKa919/paddle-ui/pkg/logger"
)

const (
	// Даем хранилищу немного времени "проснуться", прежде чем сдаваться.
	healthCheckRetries    = 5
	healthCheckRetryDelay = 2 * time.Second

	// Время на аккуратное завершение: доделать текущие запросы и батчи.
	shutdownTimeout = 30 * time.Second
)

// jobRepository — то, что нужно приложению от внешнего хранилища задач.
type jobRepository interface {
	domain.JobRepository
	domain.HealthChecker
	io.Closer
}

// App держит вместе все зависимости и управляет их жизненным циклом (старт/стоп).
type App struct {
	config    *config.Config
	logger    *zap.Logger
	repo      jobRepository // nil, если задачи живут только в памяти
	store     *jobstore.Store
	cache     *cache.EngineCache
	processor *processor.OrderedProcessor
	usecase   *usecases.BatchUsecase
	server    *http.Server

	initOnce sync.Once
	initErr  error

	// Context позволяет отменить все фоновые задачи разом при выключении.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewApp создает "пустую" заготовку приложения.
func NewApp() *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize настраивает все компоненты. Повторный вызов возвращает результат первого.
func (a *App) Initialize() error {
	a.initOnce.Do(func() {
		a.initErr = a.doInitialize()
	})
	return a.initErr
}

// doInitialize — сборочный цех приложения.
// Порядок важен: конфиг и логгер, потом хранилище, движки, бизнес-логика и API.
func (a *App) doInitialize() error {
	// 1. Переменные из .env (если файл есть) подмешиваем до чтения конфига.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "не удалось прочитать .env: %v\n", err)
	}

	// 2. Загружаем настройки.
	configPath := os.Getenv("APP_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	var configErr error
	if err := config.Load(configPath); err != nil {
		configErr = err
		// Попытка загрузки без файла (только defaults + ENV)
		if err := config.Reload(""); err != nil {
			return fmt.Errorf("критическая ошибка конфигурации: %w", err)
		}
	}
	a.config = config.Get()

	// 3. Логгер настраиваем уже по конфигу.
	if err := logger.Init(a.config.Logging.Level, a.config.Logging.Development); err != nil {
		return fmt.Errorf("не удалось инициализировать логгер: %w", err)
	}
	a.logger = logger.Get()
	if configErr != nil {
		a.logger.Warn("не удалось загрузить конфиг-файл, используем значения по умолчанию и ENV",
			zap.String("path", configPath),
			zap.Error(configErr),
		)
	}
	a.logger.Info("конфигурация загружена",
		zap.String("server_host", a.config.Server.Host),
		zap.Int("server_port", a.config.Server.Port),
		zap.String("store_driver", a.config.Store.Driver),
	)

	// 4. Хранилище задач и восстановление после рестарта.
	if err := a.initializeRepository(); err != nil {
		return fmt.Errorf("ошибка инициализации репозитория: %w", err)
	}
	var repo domain.JobRepository
	if a.repo != nil {
		repo = a.repo
	}
	a.store = jobstore.NewStore(repo, logger.Named("jobstore"))
	loadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := a.store.Load(loadCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("не удалось восстановить задачи: %w", err)
	}

	// 5. Кэш движков: создание движка дорогое, держим готовые экземпляры.
	a.cache = cache.NewEngineCache(a.config.Cache.Shards, a.config.Cache.TTL, logger.Named("engine_cache"))
	a.cache.StartCleanupWorker()

	// 6. Фабрика движков и процессор файлов.
	ec := a.config.Engines
	factory := engines.NewFactory(engines.FactoryConfig{
		DefaultLang: ec.DefaultLang,
		Structure: engines.RemoteConfig{
			Endpoint: ec.Structure.Endpoint,
			APIKey:   ec.Structure.APIKey,
			Timeout:  ec.Structure.Timeout,
		},
		VL: engines.VLConfig{
			RemoteConfig: engines.RemoteConfig{
				Endpoint: ec.VL.Endpoint,
				APIKey:   ec.VL.APIKey,
				Timeout:  ec.VL.Timeout,
			},
			Model:  ec.VL.Model,
			Prompt: ec.VL.Prompt,
		},
		Breaker: engines.BreakerConfig{
			MaxRequests:  ec.Breaker.MaxRequests,
			Interval:     ec.Breaker.Interval,
			Timeout:      ec.Breaker.Timeout,
			MinRequests:  ec.Breaker.MinRequests,
			FailureRatio: ec.Breaker.FailureRatio,
		},
	}, logger.Named("engines"))

	a.processor = processor.NewFileProcessor(
		a.config.Concurrency.FileWorkers,
		a.config.Batch.FileTimeout,
		logger.Named("processor"),
	)

	// 7. Бизнес-логика связывает хранилище, кэш, фабрику, процессор и экспорт.
	a.usecase = usecases.NewBatchUsecase(
		a.store,
		a.cache,
		factory,
		a.processor,
		exporter.NewFileExporter(a.config.Batch.ExportDir, logger.Named("exporter")),
		a.logger,
		a.config.Concurrency.MaxActiveBatches,
	)

	// 8. HTTP сервер.
	a.initializeServer()

	a.logger.Info("приложение готово к работе")
	return nil
}

// initializeRepository подключает выбранное хранилище задач с повторными попытками,
// потому что база может стартовать медленнее приложения.
func (a *App) initializeRepository() error {
	if a.config.Store.Driver == config.StoreMemory {
		a.logger.Info("задачи хранятся только в памяти")
		return nil
	}

	var err error
	for attempt := 0; attempt < healthCheckRetries; attempt++ {
		if attempt > 0 {
			a.logger.Info("повторная попытка подключения к хранилищу",
				zap.Int("попытка", attempt+1),
				zap.Duration("пауза", healthCheckRetryDelay),
			)
			time.Sleep(healthCheckRetryDelay)
		}

		repo, openErr := a.openRepository()
		if openErr != nil {
			err = openErr
			a.logger.Warn("не удалось создать клиент хранилища",
				zap.Int("попытка", attempt+1),
				zap.Error(openErr),
			)
			continue
		}

		// Есть ли живой коннект и на месте ли коллекции?
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		checkErr := repo.CheckConnection(ctx)
		if checkErr == nil {
			checkErr = repo.EnsureCollections(ctx)
		}
		cancel()
		if checkErr != nil {
			repo.Close()
			err = checkErr
			a.logger.Warn("хранилище не готово",
				zap.Int("попытка", attempt+1),
				zap.Error(checkErr),
			)
			continue
		}

		a.repo = repo
		a.logger.Info("хранилище успешно инициализировано",
			zap.String("driver", a.config.Store.Driver),
			zap.Int("попыток_затрачено", attempt+1),
		)
		return nil
	}

	return fmt.Errorf("не удалось подключиться к хранилищу после %d попыток: %w", healthCheckRetries, err)
}

func (a *App) openRepository() (jobRepository, error) {
	switch a.config.Store.Driver {
	case config.StoreReindexer:
		// Используем cproto (RPC) протокол для макс. производительности.
		return repositories.NewReindexerRepository(
			a.config.Reindexer.DSN,
			a.config.Reindexer.Namespace,
			a.config.Reindexer.MaxConnections,
			logger.Named("reindexer"),
		)
	case config.StoreRedis:
		rc := a.config.Redis
		client, err := repositories.NewRedisClient(context.Background(), rc.Addr, rc.Password, rc.DB)
		if err != nil {
			return nil, err
		}
		return repositories.NewRedisRepository(client, rc.Prefix, logger.Named("redis")), nil
	default:
		return nil, fmt.Errorf("неизвестный драйвер хранилища %q", a.config.Store.Driver)
	}
}

// initializeServer настраивает HTTP-роутинг и middleware.
func (a *App) initializeServer() {
	var health domain.HealthChecker
	if a.repo != nil {
		health = a.repo
	}
	batchHandler := handlers.NewBatchHandler(a.usecase, health, logger.Named("http"))

	r := chi.NewRouter()

	// Проверка здоровья без middleware, чтобы отвечать быстро и надежно.
	r.Get("/health", batchHandler.Health)

	rateLimiter := middleware.NewRateLimiter(a.config.Server.RateLimit, 1*time.Minute)

	// Цепочка middleware:
	// 1. Логирование
	// 2. Recovery (паника не уронит сервер)
	// 3. Timeout (кроме запуска батча — он держит запрос до конца прогона)
	// 4. Rate Limit
	r.Group(func(r chi.Router) {
		r.Use(middleware.LoggingMiddleware(a.logger))
		r.Use(middleware.RecoveryMiddleware(a.logger))
		r.Use(middleware.TimeoutMiddleware(a.config.Server.RequestTimeout, handlers.IsProcessRoute))
		r.Use(middleware.RateLimitMiddleware(rateLimiter, a.logger))

		r.Route("/batch", batchHandler.Routes)
	})

	addr := fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port)
	a.server = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout не ставим: синхронный прогон батча может идти долго,
		// остальные запросы ограничены TimeoutMiddleware.
		IdleTimeout: 60 * time.Second,
	}
}

// StartBackgroundJobs запускает фоновые процессы.
func (a *App) StartBackgroundJobs() {
	a.wg.Add(1)
	go a.periodicHealthCheck()
}

// periodicHealthCheck раз в 30 секунд пишет в лог состояние хранилища и кэша движков.
func (a *App) periodicHealthCheck() {
	defer a.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			a.logger.Info("фоновая проверка здоровья остановлена")
			return
		case <-ticker.C:
			if a.repo != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := a.repo.CheckConnection(ctx); err != nil {
					a.logger.Warn("фоновая проверка: проблема с хранилищем", zap.Error(err))
				}
				cancel()
			}
			stats := a.cache.GetStats()
			a.logger.Debug("фоновая проверка: полёт нормальный",
				zap.Int("cached_engines", stats.TotalItems),
				zap.Int("jobs", len(a.store.List(a.ctx))),
			)
		}
	}
}

// Start запускает сервер и начинает принимать запросы.
func (a *App) Start() error {
	if err := a.Initialize(); err != nil {
		return err
	}

	a.StartBackgroundJobs()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("запуск HTTP сервера",
			zap.String("адрес", a.server.Addr),
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("сервер упал с ошибкой", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown аккуратно останавливает приложение.
func (a *App) Shutdown() error {
	var shutdownErr error

	a.shutdownOnce.Do(func() {
		a.logger.Info("начинаем остановку приложения...")

		// 1. Сигнал всем фоновым задачам остановиться
		a.cancel()

		// 2. Прерываем активные батчи: они переходят в failed, синхронные
		// запросы на обработку получают ответ и освобождают сервер.
		if a.usecase != nil {
			a.usecase.Shutdown()
		}

		// 3. Останавливаем прием новых HTTP запросов и дожидаемся текущих
		if a.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := a.server.Shutdown(ctx); err != nil {
				a.logger.Error("ошибка при остановке сервера", zap.Error(err))
				shutdownErr = err
			}
			cancel()
		}

		// 4. Процессор файлов
		if a.processor != nil {
			a.processor.Stop()
		}

		// 5. Кэш: останавливаем уборщика и закрываем движки
		if a.cache != nil {
			a.cache.StopCleanupWorker()
			a.cache.Clear()
		}

		// 6. Хранилище
		if a.repo != nil {
			if err := a.repo.Close(); err != nil {
				a.logger.Error("ошибка при закрытии хранилища", zap.Error(err))
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}

		// 7. Ждем фоновые горутины
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			a.logger.Info("все фоновые процессы завершены")
		case <-time.After(shutdownTimeout):
			a.logger.Warn("таймаут ожидания завершения процессов (принудительный выход)")
		}

		a.logger.Info("приложение остановлено")
		_ = logger.Sync()
	})

	return shutdownErr
}

func main() {
	app := NewApp()

	if err := app.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Фатальная ошибка запуска: %v\n", err)
		os.Exit(1)
	}

	// Ожидание сигналов завершения от ОС (Ctrl+C или docker stop)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := app.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка при остановке: %v\n", err)
		os.Exit(1)
	}
}
