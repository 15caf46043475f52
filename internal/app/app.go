package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"relaychat/internal/api"
	"relaychat/internal/config"
	"relaychat/internal/database"
	"relaychat/internal/gateway"
	"relaychat/internal/integrations/paramstore"
	"relaychat/internal/llm"
	"relaychat/internal/repository"
	"relaychat/internal/service"
)

// App is the wired server with the resources it owns.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Server *http.Server

	chat *service.ChatService
}

func Run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		// slog is not yet configured, so use the default logger for this critical error.
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	setupLogger(cfg.LogLevel)

	logConfigSource()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize application", "error", err)
		return 1
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Error("Failed to close database connection", "error", err)
		}
	}()

	if err := app.Serve(ctx); err != nil {
		slog.Error("Server failed", "error", err)
		return 1
	}
	slog.Info("Server stopped")
	return 0
}

// NewApp opens storage, resolves the model provider and builds the router.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	slog.Info("Successfully connected to SQLite database.", "path", cfg.DatabasePath)

	app, err := wire(ctx, cfg, db)
	if err != nil {
		if cErr := db.Close(); cErr != nil {
			slog.Warn("Failed to close database after setup error", "error", cErr)
		}
		return nil, err
	}
	return app, nil
}

func wire(ctx context.Context, cfg *config.Config, db *sql.DB) (*App, error) {
	var awsCfg *aws.Config
	if cfg.StorageBackend == config.StorageDynamoDB || cfg.SecretSource == config.SecretSourceSSM {
		loaded, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		awsCfg = &loaded
	}

	repo, err := newRepository(cfg, db, awsCfg)
	if err != nil {
		return nil, err
	}
	provider, err := newProvider(cfg, awsCfg)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(provider, cfg.ChatModel)
	settingsService := service.NewSettingsService(db, provider)

	appSettings, err := settingsService.InitAndGet(ctx, service.Defaults{
		SystemPrompt: cfg.InitialSystemPrompt,
		ChatModel:    cfg.ChatModel,
		SupportModel: cfg.SupportModel,
		ImageModel:   cfg.ImageModel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application settings: %w", err)
	}
	slog.Info("Loaded application settings", "chat_model", appSettings.ChatModel, "support_model", appSettings.SupportModel)

	chatService := service.NewChatService(repo, gw, settingsService, service.WithTurnTimeout(cfg.TurnTimeout))
	relayService := service.NewRelayService(gw, provider, settingsService, chatService)
	exportService := service.NewExportService(chatService)

	router := api.NewRouter(api.Handlers{
		Chat:      api.NewChatHandler(chatService, settingsService, exportService),
		Relay:     api.NewRelayHandler(relayService),
		Export:    api.NewExportHandler(exportService),
		StaticDir: cfg.StaticDir,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AppPort),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		WriteTimeout:      0, // Disabled for streaming endpoints
		IdleTimeout:       120 * time.Second,
	}

	return &App{Config: cfg, DB: db, Server: server, chat: chatService}, nil
}

func newRepository(cfg *config.Config, db *sql.DB, awsCfg *aws.Config) (repository.Repository, error) {
	switch cfg.StorageBackend {
	case config.StorageDynamoDB:
		repo, err := repository.NewDynamoDBRepository(dynamodb.NewFromConfig(*awsCfg), cfg.DynamoDBTable)
		if err != nil {
			return nil, fmt.Errorf("failed to create DynamoDB repository: %w", err)
		}
		slog.Info("Using DynamoDB conversation store", "table", cfg.DynamoDBTable)
		return repo, nil
	default:
		return repository.NewSQLiteRepository(db), nil
	}
}

func newProvider(cfg *config.Config, awsCfg *aws.Config) (llm.Provider, error) {
	if cfg.LLMProvider == config.ProviderOllama {
		slog.Info("Using Ollama provider", "url", cfg.ModelAPIURL)
		return llm.NewOllamaProvider(cfg.ModelAPIURL), nil
	}

	var keys llm.KeySource = llm.StaticKey(cfg.ModelAPIKey)
	if cfg.SecretSource == config.SecretSourceSSM {
		params, err := paramstore.New(ssm.NewFromConfig(*awsCfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create parameter store client: %w", err)
		}
		psKey, err := llm.NewParamStoreKey(params, cfg.ParamPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to configure API key source: %w", err)
		}
		slog.Info("Model API key will be read from Parameter Store", "parameter", psKey.ParameterName())
		keys = psKey
	}

	var opts []llm.Option
	if cfg.ModelAPIURL != "" {
		opts = append(opts, llm.WithBaseURL(cfg.ModelAPIURL))
	}
	return llm.NewOpenAIProvider(keys, opts...), nil
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down and
// waits for turns that are still streaming.
func (a *App) Serve(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting server", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("Shutting down server", "timeout", a.Config.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		a.chat.Wait()
		return nil
	})

	return g.Wait()
}

func (a *App) Close() error {
	return a.DB.Close()
}

func logConfigSource() {
	configFileUsed := viper.ConfigFileUsed()
	if configFileUsed != "" {
		slog.Info("Successfully loaded configuration from file.", "file", configFileUsed)
	} else {
		slog.Info("Configuration file not found. Using environment variables and defaults.")
	}
}

func setupLogger(logLevel string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
