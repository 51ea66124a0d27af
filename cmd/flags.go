package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"sleepywoodpecker/mt-relay/internal/config"
)

// CLIConfig holds command-line configuration. Non-empty values override the
// config file.
type CLIConfig struct {
	ConfigPath string
	Port       string
	BaudRate   int
	OutputPath string
	LogLevel   string
	LogFile    string
	DumpPath   string
	Validate   bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config", getEnv("MTRELAY_CONFIG", ""),
		"Path to YAML configuration file (env: MTRELAY_CONFIG)")
	flag.StringVar(&cfg.Port, "port", getEnv("MTRELAY_PORT", ""),
		"Serial device, overrides transport.path (env: MTRELAY_PORT)")
	flag.IntVar(&cfg.BaudRate, "baud", getEnvInt("MTRELAY_BAUD", 0),
		"Serial baud rate, overrides transport.baud_rate (env: MTRELAY_BAUD)")
	flag.StringVar(&cfg.OutputPath, "output", getEnv("MTRELAY_OUTPUT", ""),
		"Snapshot path, overrides output.path (env: MTRELAY_OUTPUT)")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("MTRELAY_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: MTRELAY_LOG_LEVEL)")
	flag.StringVar(&cfg.LogFile, "log-file", getEnv("MTRELAY_LOG_FILE", ""),
		"Log file path, overrides log.path (env: MTRELAY_LOG_FILE)")
	flag.StringVar(&cfg.DumpPath, "dump", "",
		"Print a published snapshot file and exit")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

// loadConfig builds the effective configuration from defaults, the optional
// file and the flags.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg := config.Default()
	if cli.ConfigPath != "" {
		loaded, err := config.Load(cli.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cli.Port != "" {
		cfg.Transport.Path = cli.Port
	}
	if cli.BaudRate != 0 {
		cfg.Transport.BaudRate = cli.BaudRate
	}
	if cli.OutputPath != "" {
		cfg.Output.Path = cli.OutputPath
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.Log.Path = cli.LogFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
