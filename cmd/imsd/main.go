package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/ims-sync/internal/config"
	"github.com/noah-isme/ims-sync/internal/database"
	"github.com/noah-isme/ims-sync/internal/handler"
	"github.com/noah-isme/ims-sync/internal/middleware"
	"github.com/noah-isme/ims-sync/internal/realtime"
	"github.com/noah-isme/ims-sync/internal/repository"
	"github.com/noah-isme/ims-sync/internal/router"
	"github.com/noah-isme/ims-sync/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	validate := validator.New(validator.WithRequiredStructEnabled())

	client := repository.NewAPIClient(repository.APIClientConfig{
		BaseURL:      cfg.APIBaseURL,
		Timeout:      cfg.RequestTimeout,
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
	}, logger)

	var snapshots repository.SnapshotRepository
	if cfg.SnapshotDSN != "" {
		db, err := database.OpenSnapshot(cfg.SnapshotDSN)
		if err != nil {
			log.Fatalf("failed to open snapshot cache: %v", err)
		}
		snapshots = repository.NewSnapshotRepository(db)
		if err := snapshots.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate snapshot cache: %v", err)
		}
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	manager, err := realtime.NewManager(realtime.Config{
		URL:        cfg.SocketURL,
		Header:     client.AuthHeader,
		MinBackoff: cfg.ReconnectMin,
		MaxBackoff: cfg.ReconnectMax,
	}, realtime.NewWebsocketTransport(cfg.RequestTimeout), logger)
	if err != nil {
		log.Fatalf("failed to create realtime manager: %v", err)
	}

	broker := service.NewUpdateBroker(logger)
	mirror := service.NewEventMirror(redisClient, natsConn, cfg.MirrorChannel, broker, logger)
	mirror.Start(ctx)

	chatStore := service.NewChatStore(repository.NewChatRepository(client, validate), snapshots, broker, logger)
	presenceStore := service.NewPresenceStore(broker, logger)
	notificationStore := service.NewNotificationStore(repository.NewNotificationRepository(client), broker, cfg.NotificationPageSize, logger)
	likeStore := service.NewLikeStore(repository.NewLikeRepository(client), service.ManagerRooms{Manager: manager}, broker, logger)

	session := service.NewSession(service.SessionDeps{
		Manager:       manager,
		Client:        client,
		Chat:          chatStore,
		Presence:      presenceStore,
		Notifications: notificationStore,
		Likes:         likeStore,
		Updates:       broker,
	}, cfg.UserID, logger)

	likeHandler := handler.NewLikeHandler(likeStore, logger)
	// watched post rooms belong to the signed-in user
	session.OnEnd(likeHandler.Close)

	if err := session.Start(ctx); err != nil {
		log.Fatalf("failed to start session: %v", err)
	}

	pushSender, err := repository.NewPushSender(repository.PushSenderConfig{
		VAPIDPublicKey:  cfg.PushVAPIDPublicKey,
		VAPIDPrivateKey: cfg.PushVAPIDPrivateKey,
		Subscriber:      cfg.PushSubscriber,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create push sender: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		ServerHeader:          cfg.AppName,
		DisableStartupMessage: cfg.AppEnv == "production",
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.AppEnv != "production"})
	router.Register(app, cfg, router.Dependencies{
		SessionState:        session.State,
		SessionHandler:      handler.NewSessionHandler(session),
		ChatHandler:         handler.NewChatHandler(chatStore, validate, logger),
		NotificationHandler: handler.NewNotificationHandler(notificationStore, broker, logger, cfg.RequestTimeout),
		PresenceHandler:     handler.NewPresenceHandler(presenceStore),
		LikeHandler:         likeHandler,
		PushHandler:         handler.NewPushHandler(repository.NewPushRepository(client), pushSender, logger),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().
		Str("api", cfg.APIBaseURL).
		Str("socket", cfg.SocketURL).
		Bool("mirror", mirror.Enabled()).
		Msg("sync daemon started")

	waitForShutdown(app, func() {
		likeHandler.Close()
		manager.Close()
		cancel()
	})
}

func waitForShutdown(app *fiber.App, teardown func()) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	teardown()

	log.Println("server stopped")
}
