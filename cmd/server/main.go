// Package main 是应用程序的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sci-core/internal/config"
	"sci-core/internal/handler"
	"sci-core/internal/middleware"
	"sci-core/internal/repository"
	"sci-core/internal/service"
	"sci-core/pkg/database"
	"sci-core/pkg/kafka"
	"sci-core/pkg/llm"
	"sci-core/pkg/log"
	"sci-core/pkg/storage"
	"sci-core/pkg/token"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	defaultPath := os.Getenv("SCI_CORE_CONFIG")
	if defaultPath == "" {
		defaultPath = "./configs/config.yaml"
	}
	configPath := flag.String("config", defaultPath, "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Infow("日志记录器初始化成功", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model, "mode", cfg.Ensemble.Mode, "solvers", cfg.Ensemble.Solvers)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelInit()

	// 3. 初始化会话历史存储
	var historyRepo repository.HistoryRepository
	switch cfg.Session.Store {
	case "redis":
		rdb, err := database.NewRedis(initCtx, cfg.Redis)
		if err != nil {
			log.Fatal("Redis 初始化失败", err)
		}
		defer rdb.Close()
		historyRepo = repository.NewRedisHistoryRepository(rdb, time.Duration(cfg.Session.TTLHours)*time.Hour, cfg.Session.MaxTurns)
	default:
		historyRepo = repository.NewMemoryHistoryRepository(time.Duration(cfg.Session.TTLHours)*time.Hour, cfg.Session.MaxTurns)
	}

	// 4. 初始化图片存储
	imageStore := storage.NewInlineImageStore()
	if cfg.MinIO.Enabled {
		var err error
		imageStore, err = storage.NewMinIOImageStore(initCtx, cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
	}

	// 5. 事件发布与模型客户端
	publisher := kafka.NewPublisher(cfg.Kafka)
	defer publisher.Close()

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Fatal("LLM 客户端初始化失败", err)
	}

	// 6. 初始化 Service (依赖注入)
	opts, err := service.NewEnsembleOptions(cfg)
	if err != nil {
		log.Fatal("编排参数无效", err)
	}
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.SessionTTLHours)
	chatService := service.NewChatService(llmClient, historyRepo, imageStore, publisher, opts)
	sessionService := service.NewSessionService(jwtManager, cfg.Auth.AccessCodeHash)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery(), cors.New(corsConfig(cfg.Server.AllowedOrigins)))

	// 8. 注册路由
	sessionHandler := handler.NewSessionHandler(sessionService, chatService)
	chatHandler := handler.NewChatHandler(chatService, cfg.Chat.MaxImageBytes, cfg.Server.AllowedOrigins)

	r.GET("/healthz", handler.Health)
	apiV1 := r.Group("/api/v1")
	{
		sessions := apiV1.Group("/sessions")
		{
			sessions.POST("", sessionHandler.Create)

			history := sessions.Group("/history")
			history.Use(middleware.SessionAuth(jwtManager))
			{
				history.GET("", sessionHandler.GetHistory)
				history.DELETE("", sessionHandler.ClearHistory)
			}
		}

		chat := apiV1.Group("/chat")
		chat.Use(middleware.SessionAuth(jwtManager))
		{
			chat.POST("", chatHandler.Ask)
			chat.GET("/ws", chatHandler.Handle)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowHeaders = append(c.AllowHeaders, "Authorization")
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c
		}
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	return c
}
