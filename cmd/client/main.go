package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aeolun/syntaxy/pkg/client"
	"github.com/aeolun/syntaxy/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	configPath := flag.String("config", client.DefaultConfigPath(), "Path to config file")
	serverURL := flag.String("server", "", "Server URL, e.g. https://chat.example.com (overrides config)")
	token := flag.String("token", "", "Bearer token (overrides config and SYNTAXY_TOKEN)")
	statePath := flag.String("state", "", "Path to state database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Syntaxy Client %s\n", Version)
		os.Exit(0)
	}

	if err := run(*configPath, *serverURL, *token, *statePath, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, serverURL, token, statePath string, debug bool) error {
	config, err := client.LoadClientConfig(configPath)
	if err != nil {
		return err
	}
	config.ApplyEnv()
	if serverURL != "" {
		config.Connection.ServerURL = serverURL
	}
	if token != "" {
		config.Connection.Token = token
	}
	if statePath != "" {
		config.Local.StateDB = statePath
	}
	if config.Connection.Token == "" {
		return fmt.Errorf("no token configured: pass -token or set SYNTAXY_TOKEN")
	}

	dbPath, err := config.GetStateDBPath()
	if err != nil {
		return err
	}
	state, err := client.OpenState(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer state.Close()

	// The terminal belongs to the UI, so logs go next to the state database.
	logFile, err := os.OpenFile(filepath.Join(state.Dir(), "client.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(logFile).Level(level).With().Timestamp().Logger()

	dialer, err := client.NewWebSocketDialer(config.Connection.ServerURL)
	if err != nil {
		return err
	}
	maxAttempts := config.Connection.MaxAttempts
	if !config.Connection.AutoReconnect {
		maxAttempts = 0
	}
	gateway := client.NewGateway(dialer, config.Connection.Token, logger.With().Str("component", "gateway").Logger(),
		client.WithBackoff(client.BaseReconnectDelay, client.MaxReconnectDelay, maxAttempts),
	)

	api := client.NewAPIClient(config.Connection.ServerURL, config.Connection.Token)
	engine := client.NewEngine(0, nil, logger.With().Str("component", "engine").Logger())
	compressor := client.NewCompressor(config.Cache.CompressWorkers, logger)
	cache := client.NewCache(state, engine, compressor, api, config.CacheOptions(), logger.With().Str("component", "cache").Logger())

	var notifier client.Notifier
	if config.UI.Notifications {
		notifier = client.DesktopNotifier{}
	}

	app := client.NewApp(client.AppDeps{
		Gateway:  gateway,
		API:      api,
		Engine:   engine,
		Cache:    cache,
		Notifier: notifier,
	}, logger)
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to flush cache on exit")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	go app.Run(ctx)

	model := ui.NewModel(ctx, app, ui.Options{
		ShowTimestamps: config.UI.ShowTimestamps,
		AbsoluteTimes:  config.UI.TimestampFormat == "absolute",
	})
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running program: %w", err)
	}
	return nil
}
