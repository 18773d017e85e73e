package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"redeemcli/internal/app"
	"redeemcli/internal/config"
	"redeemcli/internal/infrastructure"
	"redeemcli/pkg/contracts"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file (env REDEEM_CONFIG_FILE)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(contracts.GetFullVersionString())
		return
	}

	if err := run(*configFile); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configFile string) error {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFrom(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer infrastructure.CloseLogFile()
	slog.SetDefault(logger)

	application, err := app.NewApplication(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run()
}
