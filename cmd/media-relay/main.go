// Command media-relay runs the session-multiplexing UDP relay.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"voicelink/internal/logging"
	"voicelink/internal/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	port := pflag.IntP("port", "p", 0, "UDP listen port (overrides config file and environment)")
	configPath := pflag.StringP("config", "c", "", "Path to YAML config file")
	logPath := pflag.StringP("log", "l", "", "Rolling log file (in addition to stderr)")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug logging")
	help := pflag.Bool("help", false, "Display help text")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "media-relay - forwards voice datagrams between session participants\n\n")
		fmt.Fprintf(os.Stderr, "Usage: media-relay [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		return 0
	}

	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Port = *port
	}
	if *logPath != "" {
		cfg.LogPath = *logPath
	}

	logger := logging.NewConsole(*verbose)
	if cfg.LogPath != "" {
		logger = logging.Tee(logger, logging.NewRolling(cfg.LogPath, 50, 3, 28))
	}
	defer logger.Sync()

	server := relay.NewServer(cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, stopping", zap.String("signal", sig.String()))
		server.Stop()
	}()

	if err := server.Run(); err != nil {
		logger.Error("relay failed", zap.Error(err))
		return 1
	}

	logger.Info("relay stopped")
	return 0
}
