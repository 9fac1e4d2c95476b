// Package app 提供 eidos-mint 服务的应用生命周期管理
//
// ========================================
// eidos-mint 服务对接说明
// ========================================
//
// ## 服务职责
// 1. 链上对账 (Reconciler): 按区块顺序拉取 TicketNFT 合约事件, 幂等入库并推进检查点,
//    铸造确认事件把活动从 MINTING 推进到 MINTED
// 2. 铸造协调 (Mint): 受理创建者的铸造请求, 固定封面到 IPFS, 签名并提交 mintTickets 交易
// 3. 未决监控 (Monitor): 超时未被对账确认的铸造标记只告警, 由人工处理
//
// ## HTTP (默认 8060)
// - POST /api/v1/tickets/:ticket_id/mint
// - GET  /api/v1/reconciler/status
// - GET  /api/v1/mints/unresolved
// - GET  /health/live, /health/ready, /metrics
//
// ## Kafka (可关闭)
// - mint-submitted: 铸造交易已被链接受
// - mint-finalized: 对账确认铸造完成
//
// ## gRPC (默认 50060)
// - 仅注册 grpc.health.v1
//
// ## 数据库
// - 数据库名: eidos_mint
// - 迁移文件: migrations/
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-mint/internal/blockchain"
	"github.com/eidos-exchange/eidos-mint/internal/config"
	"github.com/eidos-exchange/eidos-mint/internal/contract"
	"github.com/eidos-exchange/eidos-mint/internal/handler"
	"github.com/eidos-exchange/eidos-mint/internal/kafka"
	"github.com/eidos-exchange/eidos-mint/internal/middleware"
	"github.com/eidos-exchange/eidos-mint/internal/pinning"
	"github.com/eidos-exchange/eidos-mint/internal/projector"
	"github.com/eidos-exchange/eidos-mint/internal/repository"
	"github.com/eidos-exchange/eidos-mint/internal/router"
	"github.com/eidos-exchange/eidos-mint/internal/service"
	"github.com/eidos-exchange/eidos-mint/migrations"
	"github.com/eidos-exchange/eidos-mint/pkg/alert"
	"github.com/eidos-exchange/eidos-mint/pkg/lock"
	"github.com/eidos-exchange/eidos-mint/pkg/logger"
	"github.com/eidos-exchange/eidos-mint/pkg/migrate"
)

const (
	reconcileLeasePrefix = "eidos:mint:reconcile:lease:"
	shutdownTimeout      = 15 * time.Second
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient

	// 区块链
	blockchainClient *blockchain.Client
	reader           *blockchain.Reader
	signer           *blockchain.KeySigner
	nonceManager     *blockchain.NonceManager
	nft              *contract.TicketNFT

	// 仓储
	baseRepo        *repository.Repository
	checkpointRepo  repository.CheckpointRepository
	eventLogRepo    repository.EventLogRepository
	pendingMintRepo repository.PendingMintRepository
	ticketRepo      repository.TicketRepository

	// 外部依赖
	pinner         *pinning.Pinner
	kafkaProducer  *kafka.Producer
	eventPublisher kafka.EventPublisher
	alerter        alert.Alerter

	// 服务
	reconcilerSvc *service.ReconcilerService
	mintSvc       *service.MintService
	monitor       *service.MintMonitor

	// 服务端
	httpServer    *http.Server
	healthHandler *handler.HealthHandler
	grpcServer    *grpc.Server
	healthServer  *health.Server

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := app.initInfrastructure(ctx); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(ctx); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()

	if err := app.initPinning(ctx); err != nil {
		return nil, fmt.Errorf("failed to init pinning: %w", err)
	}

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initAlerter()
	app.initServices()
	app.initHTTP()
	app.initGRPC()

	return app, nil
}

// initInfrastructure 初始化数据库与 Redis
func (a *App) initInfrastructure(ctx context.Context) error {
	// PostgreSQL
	db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	// 自动迁移
	if *a.cfg.Postgres.AutoMigrate {
		migrator := migrate.NewMigrator(sqlDB, a.cfg.Service.Name, logger.L())
		if err := migrator.Up(migrations.FS, "."); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	// Redis
	addrs := a.cfg.Redis.Addresses
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}
	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.Strings("addrs", addrs))

	return nil
}

// initBlockchain 初始化区块链客户端、签名账户与 nonce 管理
func (a *App) initBlockchain(ctx context.Context) error {
	bc := a.cfg.Blockchain

	rpcURLs := append([]string{bc.RPCURL}, bc.BackupRPCURLs...)
	client, err := blockchain.NewClient(ctx, &blockchain.ClientConfig{
		ChainID:         bc.ChainID,
		RPCURLs:         rpcURLs,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		CallTimeout:     time.Duration(bc.RPCTimeout) * time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.blockchainClient = client

	nft, err := contract.NewTicketNFT(common.HexToAddress(bc.ContractAddress))
	if err != nil {
		return fmt.Errorf("failed to load contract abi: %w", err)
	}
	a.nft = nft

	a.reader = blockchain.NewReader(client, nft, &blockchain.ReaderConfig{
		Confirmations:    bc.Confirmations,
		FetchConcurrency: a.cfg.Reconciler.FetchConcurrency,
	})

	signer, err := blockchain.NewKeySigner(bc.PrivateKey, bc.ChainID)
	if err != nil {
		return fmt.Errorf("failed to load signer: %w", err)
	}
	a.signer = signer

	a.nonceManager = blockchain.NewNonceManager(client, a.redis, &blockchain.NonceManagerConfig{
		Wallet:       signer.Address(),
		ChainID:      bc.ChainID,
		LockTTL:      10 * time.Second,
		SyncInterval: 5 * time.Minute,
	})

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", bc.ChainID),
		zap.String("contract", bc.ContractAddress),
		zap.String("wallet", signer.Address().Hex()))
	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.baseRepo = repository.NewRepository(a.db)
	a.checkpointRepo = repository.NewCheckpointRepository(a.db)
	a.eventLogRepo = repository.NewEventLogRepository(a.db)
	a.pendingMintRepo = repository.NewPendingMintRepository(a.db)
	a.ticketRepo = repository.NewTicketRepository(a.db, a.pendingMintRepo)

	logger.Info("repositories initialized")
}

// initPinning 初始化 S3 读取与 IPFS 固定
func (a *App) initPinning(ctx context.Context) error {
	objects, err := pinning.NewS3Fetcher(ctx, &pinning.S3Config{
		Region:       a.cfg.S3.Region,
		Endpoint:     a.cfg.S3.Endpoint,
		UsePathStyle: a.cfg.S3.UsePathStyle,
	})
	if err != nil {
		return err
	}

	ipfsCfg := a.cfg.IPFS
	store := pinning.NewIPFSPinner(&pinning.IPFSConfig{
		APIURL:       ipfsCfg.APIURL,
		Timeout:      time.Duration(ipfsCfg.Timeout) * time.Second,
		MaxFailures:  ipfsCfg.Breaker.MaxFailures,
		OpenTimeout:  time.Duration(ipfsCfg.Breaker.OpenTimeout) * time.Second,
		HalfOpenReqs: ipfsCfg.Breaker.HalfOpenReqs,
	})

	a.pinner = pinning.NewPinner(objects, store, time.Duration(a.cfg.Mint.PinTimeout)*time.Second)
	logger.Info("pinning initialized", zap.String("ipfs", ipfsCfg.APIURL))
	return nil
}

// initKafka 初始化事件发布, 未启用时丢弃
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		a.eventPublisher = kafka.NoopEventPublisher{}
		logger.Info("kafka disabled, events will not be published")
		return nil
	}

	pcfg := &kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	}
	if sasl := a.cfg.Kafka.SASL; sasl.Enabled {
		pcfg.SASL = &kafka.SASLConfig{
			Mechanism: sasl.Mechanism,
			Username:  sasl.Username,
			Password:  sasl.Password,
		}
	}

	producer, err := kafka.NewProducer(pcfg)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.eventPublisher = kafka.NewKafkaEventPublisher(producer)

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

func (a *App) initAlerter() {
	ac := a.cfg.Alert
	a.alerter = alert.NewAlerter(&alert.Config{
		Enabled:            ac.Enabled,
		Environment:        a.cfg.Service.Env,
		ServiceName:        a.cfg.Service.Name,
		WebhookURL:         ac.WebhookURL,
		WebhookType:        ac.WebhookType,
		WebhookTimeout:     ac.WebhookTimeout,
		MaxRetries:         ac.MaxRetries,
		RateLimitPerMinute: ac.RateLimitPerMinute,
	})
}

// initServices 初始化服务
func (a *App) initServices() {
	rc := a.cfg.Reconciler
	chainID := a.cfg.Blockchain.ChainID

	// 对账服务
	a.reconcilerSvc = service.NewReconcilerService(
		a.reader,
		a.checkpointRepo,
		a.eventLogRepo,
		a.ticketRepo,
		a.baseRepo,
		projector.New(a.nft),
		&service.ReconcilerServiceConfig{
			ChainID:        chainID,
			PollInterval:   time.Duration(rc.PollInterval) * time.Second,
			BatchSize:      rc.BatchSize,
			MaxRetries:     rc.MaxRetries,
			BackoffInitial: time.Duration(rc.BackoffInitialMs) * time.Millisecond,
			BackoffMax:     time.Duration(rc.BackoffMaxMs) * time.Millisecond,
		},
	)
	a.reconcilerSvc.SetPublisher(a.eventPublisher)
	a.reconcilerSvc.SetAlerter(a.alerter)
	a.reconcilerSvc.SetLeaser(lock.NewLeaser(a.redis, reconcileLeasePrefix, time.Duration(rc.LeaseTTL)*time.Second))

	// 铸造服务
	mc := a.cfg.Mint
	a.mintSvc = service.NewMintService(
		a.ticketRepo,
		a.pendingMintRepo,
		a.baseRepo,
		a.pinner,
		a.reader,
		a.signer,
		a.nonceManager,
		a.nft,
		&service.MintServiceConfig{
			ChainID:       chainID,
			GasLimit:      a.cfg.Blockchain.GasLimit,
			SubmitTimeout: time.Duration(mc.SubmitTimeout) * time.Second,
			PinTimeout:    time.Duration(mc.PinTimeout) * time.Second,
			RecordRetries: mc.RecordRetries,
		},
	)
	a.mintSvc.SetPublisher(a.eventPublisher)
	a.mintSvc.SetAlerter(a.alerter)

	// 未决铸造监控
	a.monitor = service.NewMintMonitor(a.pendingMintRepo, a.reader, &service.MintMonitorConfig{
		Schedule: mc.MonitorSchedule,
		Timeout:  time.Duration(mc.UnresolvedTimeout) * time.Second,
	})
	a.monitor.SetAlerter(a.alerter)

	logger.Info("services initialized")
}

// initHTTP 初始化 HTTP 服务
func (a *App) initHTTP() {
	if a.cfg.Service.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	sqlDB, _ := a.db.DB()
	a.healthHandler = handler.NewHealthHandler(&handler.HealthDeps{
		Postgres: handler.PingFunc(sqlDB.PingContext),
		Redis: handler.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}),
		Reconciler: a.reconcilerSvc,
	})

	r := router.New(engine)
	r.RegisterMiddleware()
	r.RegisterRoutes(
		a.healthHandler,
		handler.NewMintHandler(a.mintSvc),
		handler.NewReconcilerHandler(a.reconcilerSvc, a.monitor),
	)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// initGRPC 初始化 gRPC 健康检查
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(middleware.RecoveryUnaryServerInterceptor()),
	)
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
}

// bootstrapCheckpoint 首次启动时写入起始检查点
func (a *App) bootstrapCheckpoint(ctx context.Context) error {
	_, err := a.checkpointRepo.Get(ctx, a.cfg.Blockchain.ChainID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrCheckpointNotFound) {
		return err
	}

	var start uint64
	if a.cfg.Blockchain.StartBlock < 0 {
		start, err = a.reader.SafeBlockNumber(ctx)
		if err != nil {
			return err
		}
	} else {
		start = uint64(a.cfg.Blockchain.StartBlock)
	}

	ref, err := a.reader.BlockRef(ctx, start)
	if err != nil {
		return err
	}
	return a.reconcilerSvc.Bootstrap(ctx, ref)
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.bootstrapCheckpoint(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap checkpoint: %w", err)
	}

	// 启动对账循环
	if a.cfg.Reconciler.Enabled == nil || *a.cfg.Reconciler.Enabled {
		if err := a.reconcilerSvc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start reconciler: %w", err)
		}
	} else {
		logger.Warn("reconciler disabled by config")
	}

	// 启动未决铸造监控
	if err := a.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mint monitor: %w", err)
	}

	// 启动 gRPC 服务器
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// 启动 HTTP 服务器
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	a.healthHandler.SetReady(true)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.healthHandler.SetReady(false)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 先停止受理新请求, 进行中的铸造请求会继续完成
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	a.grpcServer.GracefulStop()

	// 等待当前对账轮次结束
	if err := a.reconcilerSvc.Stop(); err != nil && !errors.Is(err, service.ErrReconcilerNotRunning) {
		logger.Error("stop reconciler failed", zap.Error(err))
	}
	if err := a.monitor.Stop(); err != nil && !errors.Is(err, service.ErrMonitorNotRunning) {
		logger.Error("stop mint monitor failed", zap.Error(err))
	}

	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Error("close kafka producer failed", zap.Error(err))
		}
	}
	a.alerter.Close()

	if a.blockchainClient != nil {
		a.blockchainClient.Close()
	}

	if a.redis != nil {
		a.redis.Close()
	}

	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
