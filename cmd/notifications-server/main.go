package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tis/notifications/internal/config"
	"github.com/tis/notifications/internal/domain/history"
	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/outbox"
	"github.com/tis/notifications/internal/listener"
	"github.com/tis/notifications/internal/platform/auth"
	"github.com/tis/notifications/internal/platform/broadcast"
	"github.com/tis/notifications/internal/platform/db"
	"github.com/tis/notifications/internal/platform/directory"
	"github.com/tis/notifications/internal/platform/mail"
	"github.com/tis/notifications/internal/platform/messaging"
	"github.com/tis/notifications/internal/platform/metrics"
	"github.com/tis/notifications/internal/platform/middleware"
	"github.com/tis/notifications/internal/platform/queue"
	"github.com/tis/notifications/internal/platform/reference"
	"github.com/tis/notifications/internal/platform/scheduler"
	"github.com/tis/notifications/internal/platform/templates"
)

const sweepInterval = 5 * time.Minute

func main() {
	rootCmd := &cobra.Command{
		Use:   "notifications-server",
		Short: "TIS trainee notifications service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the notification pipeline and API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending scheduler and outbox migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			pool, err := db.NewMySQL(cfg.MySQLDSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(pool); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migrations applied successfully.")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(nil)

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			mongoDB, err := db.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
			if err != nil {
				return err
			}
			defer mongoDB.Client().Disconnect(context.Background())

			pool, err := db.NewMySQL(cfg.MySQLDSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return err
			}
			pub := broadcast.NewSNS(sns.NewFromConfig(awsCfg), cfg.SNSTopicARN, cfg.SNSMessageAttribute)
			hist := history.NewService(history.NewRepository(mongoDB), pub, logger)

			svc := notify.NewService(notify.Deps{
				History:   hist,
				Scheduler: scheduler.NewStore(pool),
				Metrics:   metrics.New(metrics.NewRegistry()),
				Log:       logger,
			})

			replayed, failed, err := svc.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Sweep complete: %d replayed, %d failed.\n", replayed, failed)
			return nil
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg == nil {
		return logger
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	}
	return logger
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid timezone")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Datastores.
	mongoDB, err := db.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		logger.Fatal().Err(err).Msg("mongo connection failed")
	}
	defer mongoDB.Client().Disconnect(context.Background())
	if err := history.EnsureIndexes(ctx, mongoDB); err != nil {
		logger.Fatal().Err(err).Msg("mongo index creation failed")
	}

	pool, err := db.NewMySQL(cfg.MySQLDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("mysql connection failed")
	}
	defer pool.Close()

	redisClient, err := db.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisClient.Close()

	// AWS-backed edges.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("aws configuration failed")
	}
	pub := broadcast.NewSNS(sns.NewFromConfig(awsCfg), cfg.SNSTopicARN, cfg.SNSMessageAttribute)
	mailer := mail.NewSES(sesv2.NewFromConfig(awsCfg), cfg.MailSender)
	dir := directory.NewCognito(cognitoidentityprovider.NewFromConfig(awsCfg), cfg.CognitoUserPoolID, redisClient, logger)

	// Shared collaborators.
	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	hist := history.NewService(history.NewRepository(mongoDB), pub, logger)
	engine := templates.NewEngine(loc, channelVersions(cfg.TemplateVersions))
	gate := messaging.NewController(cfg.TraineeServiceURL, cfg.Whitelist, cfg.EmailEnabled, cfg.InAppEnabled, logger)
	contacts := reference.NewClient(cfg.ReferenceServiceURL, logger)
	schedStore := scheduler.NewStore(pool)
	wake := queue.NewPublisher(cfg.QueueURL, logger)
	defer wake.Close()

	outboxWorker := outbox.NewWorker(outbox.NewStore(pool), hist, engine, mailer, wake, m, logger)

	svc := notify.NewService(notify.Deps{
		History:   hist,
		Scheduler: schedStore,
		Gate:      gate,
		Contacts:  contacts,
		Directory: dir,
		Outbox:    outboxWorker,
		Renderer:  engine,
		Metrics:   m,
		Log:       logger,
		Delay:     cfg.Delay(),
	})

	schedWorker := scheduler.NewWorker(schedStore, svc.HandleFire, logger)
	listeners := listener.New(svc, outboxWorker, m, loc, logger)

	go schedWorker.Run(ctx)
	go outboxWorker.Run(ctx)
	go svc.RunSweeper(ctx, sweepInterval)
	go listeners.Run(ctx, cfg.QueueURL, cfg.QueuePrefix)

	// HTTP surface.
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORS())

	e.GET("/health", db.HealthHandler(mongoDB, pool, schedWorker))
	e.GET("/metrics", metrics.Handler(reg))

	api := e.Group("/api", auth.TraineeToken(auth.Config{SigningKey: []byte(cfg.AuthSigningKey)}))
	history.NewHandler(hist, engine).RegisterRoutes(api)

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server starting")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	return nil
}

// channelVersions converts the configured template versions into the
// engine's shape.
func channelVersions(versions map[string]config.TemplateVersions) map[string]templates.ChannelVersions {
	out := make(map[string]templates.ChannelVersions, len(versions))
	for k, v := range versions {
		out[k] = templates.ChannelVersions{Email: v.Email, InApp: v.InApp}
	}
	return out
}
