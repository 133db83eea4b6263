// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"pkm-engine/internal/bus"
	"pkm-engine/internal/config"
	"pkm-engine/internal/content"
	"pkm-engine/internal/extract"
	"pkm-engine/internal/graph"
	"pkm-engine/internal/handler"
	"pkm-engine/internal/jobs"
	"pkm-engine/internal/model"
	"pkm-engine/internal/pipeline"
	"pkm-engine/internal/repository"
	"pkm-engine/internal/search"
	"pkm-engine/internal/service"
	"pkm-engine/internal/util"
	"pkm-engine/internal/watcher"
	"pkm-engine/pkg/database"
	"pkm-engine/pkg/encryption"
	"pkm-engine/pkg/es"
	"pkm-engine/pkg/kafka"
	"pkm-engine/pkg/llm"
	"pkm-engine/pkg/log"
	"pkm-engine/pkg/storage"
	"pkm-engine/pkg/tika"
	"pkm-engine/pkg/token"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 PKM_CONFIG 或 ./configs/config.yaml")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("PKM_CONFIG")
	}
	if *configPath == "" {
		*configPath = "./configs/config.yaml"
	}

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 3. 初始化数据库和 Redis
	database.InitDB(cfg.Database.Driver, cfg.Database.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	blobs, err := storage.New(rootCtx, cfg.Storage)
	if err != nil {
		log.Fatal("内容存储初始化失败", err)
	}

	var enc *encryption.Layer
	if cfg.Encryption.Passphrase != "" {
		enc, err = encryption.New(cfg.Encryption.Algorithm, cfg.Encryption.KDF, encryption.Params{
			Argon2Time:      cfg.Encryption.Argon2Time,
			Argon2MemoryKiB: cfg.Encryption.Argon2MemoryKiB,
			Argon2Threads:   cfg.Encryption.Argon2Threads,
			ScryptN:         cfg.Encryption.ScryptN,
			PBKDF2Iter:      cfg.Encryption.PBKDF2Iterations,
		})
		if err != nil {
			log.Fatal("加密层初始化失败", err)
		}
	} else {
		log.Info("未配置 encryption.passphrase，加密文档将被拒绝")
	}

	// 4. 初始化 Repository
	docRepo := repository.NewDocumentRepository(database.DB)
	graphRepo := repository.NewGraphRepository(database.DB)
	var jobRepo repository.JobRepository
	if cfg.Jobs.Store == "redis" && database.RDB != nil {
		jobRepo = repository.NewRedisJobRepository(database.RDB, cfg.Jobs.Retention)
	} else {
		jobRepo = repository.NewMemoryJobRepository()
	}

	// 5. 初始化流水线组件
	store := content.NewStore(blobs, enc, cfg.Encryption.Passphrase)

	var tikaClient *tika.Client
	var textExtractor pipeline.TextExtractor
	if cfg.Tika.ServerURL != "" {
		tikaClient = tika.NewClient(cfg.Tika)
		textExtractor = tikaClient
	}
	normalizer := pipeline.NewNormalizer(textExtractor)

	rules := extract.NewRuleExtractor(extract.RuleOptions{
		TechnicalTerms: cfg.Extraction.TechnicalTerms,
		Locations:      cfg.Extraction.Locations,
		FirstNames:     cfg.Extraction.FirstNames,
	})
	var learned extract.Extractor
	if cfg.Extraction.Model.Enabled {
		learned = extract.NewModelExtractor(llm.NewClient(cfg.LLM), cfg.Extraction.Model.MaxChunkRunes)
	}
	extractor := extract.NewChainExtractor(rules, learned)

	builder := graph.NewBuilder(graphRepo, graph.Options{
		Policy:          graph.Policy(cfg.Graph.Precedence),
		EntityScope:     cfg.Graph.EntityScope,
		InitialStrength: cfg.Graph.InitialStrength,
		Increment:       cfg.Graph.StrengthIncrement,
		Window:          cfg.Graph.CooccurrenceWindow,
	})

	index, indexPing := newIndex(rootCtx, cfg)

	notifications := bus.New(cfg.Bus.HistorySize, cfg.Bus.SubscriberBuffer)

	var locker pipeline.Locker
	if database.RDB != nil {
		locker = pipeline.NewRedisLocker(database.RDB, cfg.Pipeline.LockTTL)
	}

	var confidential []model.SourceType
	for _, s := range cfg.Encryption.ConfidentialSources {
		confidential = append(confidential, model.SourceType(s))
	}
	processor := pipeline.NewProcessor(docRepo, store, normalizer, extractor, builder, index, notifications, locker, pipeline.Options{
		StepTimeout:         cfg.Pipeline.StepTimeout,
		StorageAttempts:     cfg.Pipeline.StorageAttempts,
		StorageBackoff:      util.Backoff{Base: cfg.Jobs.BackoffBase, Max: cfg.Jobs.BackoffMax},
		MaxDocumentBytes:    cfg.Pipeline.MaxDocumentBytes,
		ConfidentialSources: confidential,
		RebuildWorkers:      cfg.Pipeline.RebuildWorkers,
	})

	// 内存索引在启动时从元数据库重建
	if n, err := processor.RebuildIndex(rootCtx); err != nil {
		log.Errorf("重建检索索引失败: %v", err)
	} else {
		log.Infof("检索索引重建完成, 共 %d 篇文档", n)
	}

	// 6. 启动任务队列
	var dispatcher jobs.Dispatcher
	if cfg.Jobs.Dispatcher == "kafka" {
		kd, err := kafka.NewDispatcher(cfg.Kafka, cfg.Jobs.Workers)
		if err != nil {
			log.Fatal("Kafka 分发器初始化失败", err)
		}
		dispatcher = kd
	} else {
		dispatcher = jobs.NewChannelDispatcher(cfg.Jobs.Workers, cfg.Jobs.Workers*4)
	}
	queue := jobs.NewQueue(jobRepo, processor, dispatcher, notifications, jobs.Options{
		MaxAttempts:      cfg.Jobs.MaxAttempts,
		Backoff:          util.Backoff{Base: cfg.Jobs.BackoffBase, Max: cfg.Jobs.BackoffMax},
		FailureThreshold: cfg.Jobs.FailureThreshold,
	})
	if err := queue.Start(rootCtx); err != nil {
		log.Fatal("任务队列启动失败", err)
	}

	// 7. 初始化 Service (依赖注入)
	documentService := service.NewDocumentService(docRepo, store, processor, queue, cfg.Search.MaxLimit)
	searchService := service.NewSearchService(index, docRepo, graphRepo, cfg.Search)
	graphService := service.NewGraphService(graphRepo, cfg.Search.MaxLimit)
	jobService := service.NewJobService(queue)
	watchService := service.NewWatchService(nil, processor, queue, notifications, cfg.Pipeline.StepTimeout*2)

	fileWatcher, err := watcher.New(watcher.Options{
		Debounce:   cfg.Watcher.Debounce,
		Extensions: cfg.Watcher.Extensions,
	}, watchService.HandleEvent)
	if err != nil {
		log.Fatal("文件监听器初始化失败", err)
	}
	watchService.SetWatcher(fileWatcher)
	fileWatcher.Start(rootCtx)
	for _, p := range cfg.Watcher.Paths {
		if err := fileWatcher.Watch(p, cfg.Watcher.Recursive); err != nil {
			log.Warnf("监听目录 %s 失败: %v", p, err)
			continue
		}
		log.Infof("开始监听目录 %s", p)
	}
	// 已监听目录中的现有文件：提交一次批量导入，已导入的内容会被去重跳过
	go initialScan(rootCtx, fileWatcher, queue)

	checks := map[string]service.PingFunc{
		"database": docRepo.Ping,
		"graph":    graphRepo.Ping,
		"storage":  store.Ping,
		"index":    indexPing,
		"cache":    nil,
		"tika":     nil,
	}
	if database.RDB != nil {
		checks["cache"] = func(ctx context.Context) error { return database.RDB.Ping(ctx).Err() }
	}
	if tikaClient != nil {
		checks["tika"] = tikaClient.Ping
	}

	jwtManager := token.NewJWTManager(cfg.Auth.Secret, cfg.Auth.TokenExpireHours)
	handlers := handler.Handlers{
		Documents:     handler.NewDocumentHandler(documentService, cfg.Pipeline.MaxDocumentBytes),
		Search:        handler.NewSearchHandler(searchService),
		Graph:         handler.NewGraphHandler(graphService),
		Files:         handler.NewFileHandler(watchService),
		Jobs:          handler.NewJobHandler(jobService),
		Notifications: handler.NewNotificationHandler(notifications),
		Health:        handler.NewHealthHandler(service.NewHealthService(checks)),
	}
	if cfg.Auth.Enabled {
		handlers.Auth = handler.NewAuthHandler(service.NewAuthService(jwtManager, cfg.Auth.ClientSecretHash))
	}

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handlers, jwtManager, cfg.Auth.Enabled)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	if err := fileWatcher.Close(); err != nil {
		log.Errorf("关闭文件监听器失败: %v", err)
	}
	// Stop 会关闭分发器（包括 Kafka 的读写连接）
	if err := queue.Stop(); err != nil {
		log.Errorf("关闭任务队列失败: %v", err)
	}
	cancelRoot()
	log.Info("服务已优雅关闭")
}

// newIndex 按配置创建检索索引，返回索引及其健康检查函数。
func newIndex(ctx context.Context, cfg config.Config) (search.Index, service.PingFunc) {
	if cfg.Search.Backend != "elasticsearch" {
		idx := search.NewMemoryIndex(cfg.Search.SnippetRunes)
		return idx, idx.Ping
	}
	client, err := es.NewClient(cfg.Elasticsearch)
	if err != nil {
		log.Fatal("Elasticsearch 客户端初始化失败", err)
	}
	if err := es.EnsureIndex(ctx, client, cfg.Elasticsearch.IndexName, es.DocumentMapping); err != nil {
		log.Fatal("Elasticsearch 索引初始化失败", err)
	}
	idx := search.NewElasticIndex(client, cfg.Elasticsearch.IndexName, cfg.Search.SnippetRunes)
	return idx, idx.Ping
}

// initialScan 扫描所有已监听目录下的现有文件并作为一个批量任务导入（幂等）。
func initialScan(ctx context.Context, w *watcher.Watcher, queue *jobs.Queue) {
	var reqs []pipeline.IngestRequest
	for _, wp := range w.Watched() {
		files, err := w.Scan(wp.Path, wp.Recursive)
		if err != nil {
			log.Warnf("initialScan: 扫描目录 %s 失败: %v", wp.Path, err)
			continue
		}
		for _, f := range files {
			reqs = append(reqs, pipeline.IngestRequest{FilePath: f, SourceType: model.SourceFileSystem})
		}
	}
	if len(reqs) == 0 {
		log.Info("initialScan: 没有需要导入的文件")
		return
	}
	job, err := queue.Submit(ctx, model.JobBatch, "initial-scan", reqs)
	if err != nil {
		log.Warnf("initialScan: 提交导入任务失败: %v", err)
		return
	}
	log.Infof("initialScan: 已提交 %d 个文件, 任务 %s", len(reqs), job.ID)
}
