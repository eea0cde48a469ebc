// Command dhcpserver runs a standalone DHCPv4 server bound to one network
// interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"gopkg.in/yaml.v3"

	"github.com/dhcplab/dhcpsuite/internal/dhcpd"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "dhcpserver.yaml", "path to the server configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	logger := slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatAdGuardLegacy,
		Level:        lvl,
		AddTimestamp: true,
	})

	conf, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("loading config", slog.Any("err", err))

		return 1
	}

	if err = conf.Validate(); err != nil {
		logger.Error("invalid config", slog.Any("err", err))

		return 1
	}

	srv := dhcpd.NewServer(*conf, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err = srv.Start(ctx); err != nil {
		logger.Error("starting server", slog.Any("err", err))

		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.InfoContext(ctx, "shutting down")
	if err = srv.Stop(); err != nil {
		logger.Error("stopping server", slog.Any("err", err))

		return 1
	}

	return 0
}

func loadConfig(path string) (*dhcpd.ServerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	conf := &dhcpd.ServerConfig{}
	if err := yaml.NewDecoder(f).Decode(conf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return conf, nil
}
