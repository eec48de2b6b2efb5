package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/franckalain/ukcal/internal/analysis"
	"github.com/franckalain/ukcal/internal/backup"
	"github.com/franckalain/ukcal/internal/config"
	"github.com/franckalain/ukcal/internal/database"
	"github.com/franckalain/ukcal/internal/logger"
	"github.com/franckalain/ukcal/internal/ml"
	"github.com/franckalain/ukcal/internal/postcode"
	"github.com/franckalain/ukcal/internal/server"
	"github.com/franckalain/ukcal/internal/session"
)

func main() {
	configPath := flag.String("config", config.GetConfigPath(), "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	lg := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	defer lg.Close()
	logger.SetDefault(lg)

	if err := run(cfg, lg); err != nil {
		lg.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, lg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Account and profile records
	records, err := openDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open records database: %w", err)
	}
	defer records.Close()

	// On-device key-value store
	store, err := openDB(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer store.Close()

	analyzer, closeAnalyzer, err := newAnalyzer(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer closeAnalyzer()

	var fallback ml.Model
	if *cfg.Analysis.FallbackEnabled {
		fallback = ml.NewLocalModel()
	}

	postcodes, err := postcode.NewClient(postcode.Config{
		BaseURL:   cfg.Postcode.BaseURL,
		Timeout:   cfg.PostcodeTimeout(),
		CacheSize: cfg.Postcode.CacheSize,
	}, lg)
	if err != nil {
		return fmt.Errorf("create postcode client: %w", err)
	}

	backups, err := newBackup(ctx, cfg, lg)
	if err != nil {
		return err
	}

	tokens, err := session.NewTokens(cfg.Session.Secret, cfg.SessionTTL())
	if err != nil {
		return fmt.Errorf("create session tokens: %w", err)
	}

	srv := server.New(server.Options{
		Records:         records,
		Store:           store,
		Analyzer:        analyzer,
		Fallback:        fallback,
		Postcodes:       postcodes,
		Backup:          backups,
		Tokens:          tokens,
		StaticDir:       cfg.Server.StaticDir,
		MediaDir:        cfg.Server.MediaDir,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		AnalysisTimeout: cfg.AnalysisTimeout(),
		FlushInterval:   cfg.FlushInterval(),
		Logger:          lg,
	})

	lg.Info("ukcal ready",
		"analysis_provider", cfg.Analysis.Provider,
		"ml_type", cfg.ML.Type,
		"fallback", fallback != nil,
		"backup", cfg.Backup.Enabled,
	)
	return srv.ListenAndServe(ctx, ":"+cfg.Server.Port)
}

// newAnalyzer picks the remote analysis service or an in-process model
func newAnalyzer(ctx context.Context, cfg *config.Config, lg *logger.Logger) (analysis.Analyzer, func(), error) {
	if cfg.Analysis.Provider == "remote" {
		client, err := analysis.NewClient(analysis.ClientConfig{
			BaseURL:      cfg.Analysis.BaseURL,
			APIKey:       cfg.Analysis.APIKey,
			Timeout:      cfg.AnalysisTimeout(),
			PollInterval: cfg.PollInterval(),
			CacheSize:    cfg.Analysis.ResultsCacheSize,
		}, lg)
		if err != nil {
			return nil, nil, fmt.Errorf("create analysis client: %w", err)
		}
		return client, func() {}, nil
	}

	// Initialize ML model
	model, err := ml.NewModel(ml.Config{
		Type:            cfg.ML.Type,
		ProjectID:       cfg.ML.ProjectID,
		Location:        cfg.ML.Location,
		CredentialsFile: cfg.ML.CredentialsFile,
		Model:           cfg.ML.Model,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create ML model: %w", err)
	}
	if err := model.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("load ML model: %w", err)
	}
	closeModel := func() {}
	if closer, ok := model.(io.Closer); ok {
		closeModel = func() { closer.Close() }
	}

	a, err := analysis.NewModelAnalyzer(model, cfg.Analysis.ResultsCacheSize)
	if err != nil {
		closeModel()
		return nil, nil, fmt.Errorf("create model analyzer: %w", err)
	}
	return a, closeModel, nil
}

func newBackup(ctx context.Context, cfg *config.Config, lg *logger.Logger) (backup.Backup, error) {
	if !cfg.Backup.Enabled {
		return backup.NopBackup{}, nil
	}
	b, err := backup.NewS3Backup(ctx, backup.S3Config{
		Bucket:    cfg.Backup.Bucket,
		Prefix:    cfg.Backup.Prefix,
		Region:    cfg.Backup.Region,
		Endpoint:  cfg.Backup.Endpoint,
		AccessKey: cfg.Backup.AccessKey,
		SecretKey: cfg.Backup.SecretKey,
	}, lg)
	if err != nil {
		return nil, fmt.Errorf("create backup store: %w", err)
	}
	return b, nil
}

func openDB(path string) (database.DB, error) {
	db, err := database.NewSQLiteDB(path)
	if err != nil {
		return nil, err
	}
	return db, nil
}
