package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiProduction/internal/config"
	"github.com/nemonet1337/zaiProduction/internal/metrics"
	"github.com/nemonet1337/zaiProduction/pkg/production"
	"github.com/nemonet1337/zaiProduction/pkg/production/rediscoord"
	"github.com/nemonet1337/zaiProduction/pkg/production/storage"
)

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	// データベース接続
	store, err := storage.NewPostgreSQLStorage(cfg.DSN(), logger)
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink, err := metrics.NewPrometheus(registry)
	if err != nil {
		logger.Fatal("メトリクス初期化に失敗しました", zap.Error(err))
	}

	opts := []production.Option{production.WithMetrics(sink)}

	// Redis（任意）
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := rediscoord.NewClient(ctx, rediscoord.Options{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			PoolSize:      cfg.Redis.PoolSize,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		})
		cancel()
		if err != nil {
			logger.Fatal("Redis接続に失敗しました", zap.Error(err))
		}
		defer client.Close()

		opts = append(opts,
			production.WithPublisher(rediscoord.NewPublisher(client, cfg.Redis.ChannelPrefix, logger)),
			production.WithLocker(rediscoord.NewLocker(client, logger)),
		)
		logger.Info("Redisイベント配信を有効化しました", zap.String("addr", cfg.Redis.Addr))
	}

	service := production.NewService(store, logger, cfg.Production.Core(), opts...)

	// HTTPハンドラー設定
	handlers := NewHandlers(service, logger)
	var metricsHandler http.Handler
	if cfg.API.EnableMetrics {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	router := setupRouter(handlers, metricsHandler, cfg.API.EnableCORS)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("製造管理APIサーバーを開始します", zap.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, metricsHandler http.Handler, enableCORS bool) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// バッチ
	api.HandleFunc("/batches", handlers.CreateBatch).Methods("POST")
	api.HandleFunc("/batches", handlers.ListBatches).Methods("GET")
	api.HandleFunc("/batches/plan", handlers.PlanBatch).Methods("POST")
	api.HandleFunc("/batches/{batchId}", handlers.GetBatch).Methods("GET")
	api.HandleFunc("/batches/{batchId}/start", handlers.StartBatch).Methods("POST")
	api.HandleFunc("/batches/{batchId}/ingredients", handlers.GetIngredients).Methods("GET")
	api.HandleFunc("/batches/{batchId}/ingredients", handlers.AmendBatch).Methods("PUT")
	api.HandleFunc("/batches/{batchId}/cancel", handlers.CancelBatch).Methods("POST")
	api.HandleFunc("/batches/{batchId}/reject", handlers.RejectBatch).Methods("POST")

	// 受入
	api.HandleFunc("/batches/{batchId}/receptions", handlers.AcceptLine).Methods("POST")
	api.HandleFunc("/batches/{batchId}/receptions", handlers.GetReceptions).Methods("GET")
	api.HandleFunc("/batches/{batchId}/receptions/reverse", handlers.ReverseAcceptance).Methods("POST")
	api.HandleFunc("/batches/{batchId}/output", handlers.GetOutput).Methods("GET")
	api.HandleFunc("/receptions", handlers.GetReceptionsByDate).Methods("GET")
	api.HandleFunc("/day-close", handlers.CloseDay).Methods("POST")

	// 小分け
	api.HandleFunc("/repackaging", handlers.StartRepackaging).Methods("POST")
	api.HandleFunc("/repackaging/plan", handlers.PlanRepackaging).Methods("POST")
	api.HandleFunc("/repackaging/{jobId}/finalize", handlers.FinalizeRepackaging).Methods("POST")
	api.HandleFunc("/repackaging/{jobId}/cancel", handlers.CancelRepackaging).Methods("POST")

	// 在庫
	api.HandleFunc("/stock/adjust", handlers.AdjustStock).Methods("POST")
	api.HandleFunc("/stock/backlog", handlers.GetBacklog).Methods("GET")
	api.HandleFunc("/stock/raw", handlers.ListRawMaterials).Methods("GET")
	api.HandleFunc("/stock/raw/{name}", handlers.GetRawMaterial).Methods("GET")
	api.HandleFunc("/stock/finished", handlers.ListFinishedGoods).Methods("GET")
	api.HandleFunc("/stock/finished/{productId}", handlers.GetFinishedGood).Methods("GET")
	api.HandleFunc("/stock/finished/{productId}/average-cost", handlers.GetAverageCost).Methods("GET")

	// 棚卸
	api.HandleFunc("/reconciliation/draft", handlers.OpenDraft).Methods("POST")
	api.HandleFunc("/reconciliation/finish", handlers.FinishDraft).Methods("POST")
	api.HandleFunc("/reconciliation/{snapshotId}", handlers.GetSnapshot).Methods("GET")
	api.HandleFunc("/reconciliation/{snapshotId}/categories/{category}", handlers.SaveCategory).Methods("POST")

	// CORS設定
	if enableCORS {
		router.Use(corsMiddleware)
	}

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// corsMiddleware allows cross-origin requests
// クロスオリジンリクエストを許可
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// リクエスト処理
			next.ServeHTTP(w, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
