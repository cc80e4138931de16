package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/MonkyMars/BlueQuill/backend/config"
	"github.com/MonkyMars/BlueQuill/backend/internal/cache"
	"github.com/MonkyMars/BlueQuill/backend/internal/collab"
	"github.com/MonkyMars/BlueQuill/backend/internal/httpapi/handlers"
	"github.com/MonkyMars/BlueQuill/backend/internal/httpapi/middleware"
	"github.com/MonkyMars/BlueQuill/backend/internal/store"
	"github.com/MonkyMars/BlueQuill/backend/internal/ws"
)

func initConfig() (*config.Config, error) {
	var cfg config.Config
	v := viper.New()
	v.SetConfigName("relayConfig")
	v.SetConfigType("yaml")
	// Works whether the binary starts from the repo root or from backend/.
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := initConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("init config failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open mysql failed")
	}
	defer db.Close()

	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("gorm init failed")
	}

	// The event feed is optional: no brokers, no dispatcher, and applied
	// updates simply are not published.
	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka producer failed")
		}
		defer producer.Close()
		events = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(),
			log,
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	}

	snapshotStore := store.NewSnapshotStore(db)
	documentStore := store.NewDocumentStore(gdb)

	svc := collab.NewRoomService(snapshotStore, events, log, collab.RoomServiceOptions{
		CheckpointEvery: cfg.Collab.CheckpointInterval,
		DisposeGrace:    cfg.Collab.DisposeGrace,
	})
	hub := ws.NewHub(cache.NewRedisPresence(rdb))
	manager := ws.NewManager(hub, svc, log)
	documents := handlers.NewDocumentHandler(documentStore)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	collabGroup := r.Group("/collab")
	collabGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	collabGroup.Use(middleware.AuthMiddleware())
	collabGroup.GET("/ws/:docId", manager.Connect)

	v1 := r.Group("/v1", middleware.AuthMiddleware())
	docs := v1.Group("/documents")
	docs.POST("", documents.Create)
	docs.GET("", documents.List)
	docs.PATCH("/:docId", documents.Rename)
	docs.DELETE("/:docId", documents.Delete)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Running.Port).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Checkpoint loop; flushes every dirty room once more on exit.
		return svc.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("relay stopped")
	}
	log.Info().Msg("relay stopped")
}
