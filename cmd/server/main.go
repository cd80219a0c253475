package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aeolun/syntaxy/pkg/auth"
	"github.com/aeolun/syntaxy/pkg/database"
	"github.com/aeolun/syntaxy/pkg/server"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(issueToken(os.Args[2:]))
	}

	configPath := flag.String("config", "~/.syntaxy/server.toml", "Path to config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Syntaxy Gateway %s\n", Version)
		os.Exit(0)
	}

	logger := newLogger(*debug)

	// A missing .env is normal outside development.
	_ = godotenv.Load(".env")

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	config := tomlConfig.ToServerConfig()
	config.ApplyEnv(os.Getenv)
	if *addr != "" {
		config.HTTPAddr = *addr
	}
	if *dbPath != "" {
		config.DatabasePath = *dbPath
	}
	if err := config.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	finalDBPath, err := config.GetDatabasePath()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve database path")
	}
	if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create database directory")
	}

	db, err := database.Open(finalDBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", finalDBPath).Msg("failed to open database")
	}
	defer db.Close()

	verifier, err := auth.NewHMACVerifier(config.JWTSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token verifier")
	}

	var metrics *server.Metrics
	if config.MetricsEnabled {
		metrics = server.NewMetrics(prometheus.DefaultRegisterer)
	}

	srv := server.NewServer(db, verifier, config, metrics, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	logger.Info().
		Str("version", Version).
		Str("addr", srv.Addr().String()).
		Str("database", finalDBPath).
		Bool("metrics", config.MetricsEnabled).
		Msg("syntaxy gateway started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	logger.Info().Msg("server stopped")
}

func newLogger(debug bool) zerolog.Logger {
	if debug {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// issueToken prints a bearer token for an identity, signed with JWT_SECRET.
// Tokens normally come from the account service; this is for development.
func issueToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.Int64("user-id", 0, "User id to issue the token for")
	username := fs.String("username", "", "Username claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_ = godotenv.Load(".env")
	secret := os.Getenv("JWT_SECRET")
	if secret == "" || *userID <= 0 {
		fmt.Fprintln(os.Stderr, "usage: JWT_SECRET=... server token -user-id N [-username name] [-ttl 24h]")
		return 2
	}

	verifier, err := auth.NewHMACVerifier(secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	token, err := verifier.Issue(auth.Identity{UserID: *userID, Username: *username}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
