// main package for the audiobook command
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/joho/godotenv"

	"github.com/book-expert/audiobook-pipeline/internal/bootstrap"
	"github.com/book-expert/audiobook-pipeline/internal/config"
)

const (
	bootstrapLogName = "audiobook-bootstrap.log"
	serviceLogName   = "audiobook.log"
)

func setupLogger(logPath, name string) (*logger.Logger, error) {
	log, err := logger.New(logPath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// app is the state shared by every command once configuration is loaded.
type app struct {
	configPath string
	cfg        *config.Config
	log        *logger.Logger
	deps       *bootstrap.Dependencies
}

// init loads configuration and builds the service. It runs once, before
// the selected command.
func (a *app) init(ctx context.Context) error {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogName)
	if err != nil {
		return err
	}
	defer bootstrapLog.Close()

	bootstrapLog.Info("Bootstrap logger created.")

	var cfg *config.Config
	if a.configPath != "" {
		cfg, err = config.LoadFile(ctx, a.configPath, nil)
	} else {
		cfg, err = config.Load(ctx, bootstrapLog)
	}

	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogName)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return err
	}

	deps, err := bootstrap.NewDependencies(ctx, cfg, finalLog)
	if err != nil {
		_ = finalLog.Close()

		return err
	}

	a.cfg = cfg
	a.log = finalLog
	a.deps = deps

	return nil
}

func (a *app) close() {
	if a.deps != nil {
		a.deps.Close()
	}

	if a.log != nil {
		closeErr := a.log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}
}

func run() error {
	// A missing .env file is normal.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := &app{}
	defer state.close()

	return newRootCmd(state).ExecuteContext(ctx)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "audiobook: %v\n", err)
		os.Exit(1)
	}
}
