package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/llm"
)

const (
	keyChatModel    = "chat_model"
	keyImageModel   = "image_model"
	keySupportModel = "support_model"
	keySystemPrompt = "system_prompt"
)

// Settings holds the runtime settings stored in the settings table.
type Settings struct {
	SystemPrompt string `json:"system_prompt"`
	ChatModel    string `json:"chat_model" validate:"required"`
	SupportModel string `json:"support_model" validate:"required"`
	ImageModel   string `json:"image_model"`
}

// Defaults seed the settings table on first start.
type Defaults struct {
	SystemPrompt string
	ChatModel    string
	SupportModel string
	ImageModel   string
}

type SettingsService struct {
	db  *sql.DB
	llm llm.Provider
}

func NewSettingsService(db *sql.DB, llmProvider llm.Provider) *SettingsService {
	return &SettingsService{db: db, llm: llmProvider}
}

// InitAndGet returns the stored settings, writing defaults first if the
// table is empty. An empty chat model is filled with the first model the
// provider lists.
func (s *SettingsService) InitAndGet(ctx context.Context, defaults Defaults) (*Settings, error) {
	values, err := s.load(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if len(values) > 0 {
		slog.Info("Found existing settings in database.")
		return s.Get(ctx)
	}

	slog.Info("No settings found in database. Initializing defaults.")
	initial := &Settings{
		SystemPrompt: defaults.SystemPrompt,
		ChatModel:    defaults.ChatModel,
		SupportModel: defaults.SupportModel,
		ImageModel:   defaults.ImageModel,
	}
	if initial.ChatModel == "" {
		initial.ChatModel = s.discoverModel(ctx)
	}
	if initial.SupportModel == "" {
		initial.SupportModel = initial.ChatModel
	}

	if err := s.saveToDB(ctx, initial); err != nil {
		return nil, fmt.Errorf("failed to save initial settings: %w", err)
	}
	slog.Info("Initialized settings", "chat_model", initial.ChatModel, "support_model", initial.SupportModel)
	return initial, nil
}

// Get reads the settings. If the chat model was never set it tries to pick
// one from the provider and stores the result.
func (s *SettingsService) Get(ctx context.Context) (*Settings, error) {
	values, err := s.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	settings := &Settings{
		SystemPrompt: values[keySystemPrompt],
		ChatModel:    values[keyChatModel],
		SupportModel: values[keySupportModel],
		ImageModel:   values[keyImageModel],
	}

	if settings.ChatModel == "" {
		if discovered := s.discoverModel(ctx); discovered != "" {
			settings.ChatModel = discovered
			if settings.SupportModel == "" {
				settings.SupportModel = discovered
			}
			if err := s.saveToDB(ctx, settings); err != nil {
				slog.Warn("Failed to persist discovered model", "error", err)
			}
		}
	}
	return settings, nil
}

// Save validates the chat and support models against the provider's list
// and stores the settings.
func (s *SettingsService) Save(ctx context.Context, settings *Settings) error {
	available, err := s.llm.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("could not list models to validate settings: %w", err)
	}
	names := make([]string, len(available.Models))
	for i, m := range available.Models {
		names[i] = m.Name
	}

	if !slices.Contains(names, settings.ChatModel) {
		return fmt.Errorf("%w: chat model '%s' is not available", app_errors.ErrValidation, settings.ChatModel)
	}
	if !slices.Contains(names, settings.SupportModel) {
		return fmt.Errorf("%w: support model '%s' is not available", app_errors.ErrValidation, settings.SupportModel)
	}

	return s.saveToDB(ctx, settings)
}

func (s *SettingsService) discoverModel(ctx context.Context) string {
	models, err := s.llm.ListModels(ctx)
	if err != nil {
		slog.Warn("Could not list models from provider", "error", err)
		return ""
	}
	if len(models.Models) == 0 {
		slog.Warn("Provider reported no models")
		return ""
	}
	slog.Info("Selected default model from provider", "model", models.Models[0].Name)
	return models.Models[0].Name
}

func (s *SettingsService) load(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		values[key] = value
	}
	return values, rows.Err()
}

func (s *SettingsService) saveToDB(ctx context.Context, settings *Settings) error {
	values := map[string]string{
		keyChatModel:    settings.ChatModel,
		keyImageModel:   settings.ImageModel,
		keySupportModel: settings.SupportModel,
		keySystemPrompt: settings.SystemPrompt,
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value")
	if err != nil {
		return fmt.Errorf("could not prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k, values[k]); err != nil {
			return fmt.Errorf("could not save setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}
