package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tuition-office/backend/config"
	"tuition-office/backend/internal/repository"
	"tuition-office/backend/internal/service"
	"tuition-office/backend/pkg/database"
	"tuition-office/backend/pkg/eventbus"
	applogger "tuition-office/backend/pkg/logger"
	"tuition-office/backend/pkg/redis"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	logger, err := applogger.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.String("log_level", cfg.Log.Level),
		zap.String("payment_workflow", cfg.Policy.PaymentWorkflow),
	)

	// 3. 连接数据库
	db, err := database.NewDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}
	logger.Info("数据库连接成功")

	// 3.1 执行数据库迁移
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("获取底层 sql.DB 失败", zap.Error(err))
	}
	if err := database.RunMigrations(sqlDB, logger); err != nil {
		logger.Fatal("数据库迁移失败", zap.Error(err))
	}

	// 4. 连接 Redis（可选：连接失败时降级运行，余额缓存不可用）
	var rdb *redis.Client
	rdb, err = redis.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis 连接失败，余额缓存功能将不可用", zap.Error(err))
		rdb = nil
	}

	// 5. 连接 RabbitMQ（可选：未配置或失败时事件通知静默丢弃）
	var publisher eventbus.Publisher = eventbus.NopPublisher{}
	if cfg.Rabbit.URL != "" {
		amqpPub, err := eventbus.NewAMQPPublisher(&cfg.Rabbit, logger)
		if err != nil {
			logger.Warn("RabbitMQ 连接失败，事件通知将不可用", zap.Error(err))
		} else {
			publisher = amqpPub
		}
	}

	// 6. 依赖注入: Repository → Service
	repo := repository.NewRepository(db)
	svc := service.NewService(cfg, repo, rdb, publisher, logger)

	// 7. 启动逾期扫描定时任务
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runOverdueSweep(sweepCtx, svc, cfg.Sweep.Interval, logger)

	logger.Info("服务已就绪")

	// 8. 监听系统信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("收到关闭信号，开始优雅关闭...", zap.String("signal", sig.String()))

	stopSweep()

	if err := publisher.Close(); err != nil {
		logger.Error("关闭事件发布器异常", zap.Error(err))
	}

	// 关闭数据库连接
	closeDB, _ := db.DB()
	if closeDB != nil {
		closeDB.Close()
	}

	// 关闭 Redis 连接
	if rdb != nil {
		rdb.Close()
	}

	logger.Info("服务已关闭")
}

// runOverdueSweep 周期性将到期未结清的分期标记为逾期
func runOverdueSweep(ctx context.Context, svc *service.Service, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := svc.Allocation.MarkOverdue(ctx, time.Now())
			if err != nil {
				logger.Error("逾期扫描失败", zap.Error(err))
				continue
			}
			if count > 0 {
				logger.Info("逾期扫描完成", zap.Int64("marked", count))
			}
		}
	}
}
