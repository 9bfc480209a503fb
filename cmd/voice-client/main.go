// Command voice-client is a terminal host for the client engine: it joins
// a session on a relay, streams microphone audio and plays back whatever
// the session sends.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"voicelink/internal/logging"
	"voicelink/internal/voice"
)

func main() {
	os.Exit(run())
}

func run() int {
	server := pflag.StringP("server", "s", "127.0.0.1:9000", "Relay address as host:port")
	session := pflag.StringP("session", "S", "", "Session id to join (1-16 bytes)")
	name := pflag.StringP("name", "n", "", "Display name sent to peers")
	configPath := pflag.StringP("config", "c", "", "Path to JSON audio config")
	tone := pflag.Duration("tone", 0, "Send a 1 kHz test tone of this duration after joining")
	statsInterval := pflag.Duration("stats-interval", 0, "Log link stats at this interval (0 disables)")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug logging")
	help := pflag.Bool("help", false, "Display help text")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "voice-client - realtime voice session client\n\n")
		fmt.Fprintf(os.Stderr, "Usage: voice-client -S <session> [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		return 0
	}
	if *session == "" {
		fmt.Fprintln(os.Stderr, "a session id is required (-S)")
		pflag.Usage()
		return 1
	}

	host, portStr, err := net.SplitHostPort(*server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid server address %q: %v\n", *server, err)
		return 1
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid server port %q\n", portStr)
		return 1
	}

	cfg := voice.DefaultConfig()
	if *configPath != "" {
		cfg, err = voice.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			return 1
		}
	}

	logger := logging.NewConsole(*verbose)
	defer logger.Sync()

	displayName := *name
	if displayName == "" {
		displayName = "anonymous"
	}
	userInfo, err := sonic.MarshalString(map[string]string{
		"name":     displayName,
		"clientId": uuid.NewString(),
	})
	if err != nil {
		logger.Error("encode user info", zap.Error(err))
		return 1
	}

	client := voice.NewClient(cfg, logger)

	events := func(ev voice.Event) {
		switch ev.Type {
		case voice.EventNotification:
			fmt.Printf("peer: %s\n", prettyJSON(ev.Data))
		case voice.EventError:
			fmt.Fprintf(os.Stderr, "network error: %s\n", ev.Data)
		case voice.EventStopped:
			fmt.Printf("session ended: %s\n", ev.Data)
		}
	}

	opts := voice.StartOptions{
		RelayServer:  voice.RelayServerAddr{IP: host, Port: port},
		SessionID:    *session,
		UserInfoJSON: userInfo,
	}
	if err := client.Start(opts, events); err != nil {
		logger.Error("start failed", zap.Error(err))
		return 1
	}

	fmt.Printf("joined session %q on %s - Ctrl+C to leave\n", *session, *server)

	if *tone > 0 {
		go func() {
			if err := client.SendTestTone(*tone, 1000); err != nil {
				logger.Warn("test tone failed", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if *statsInterval > 0 {
		ticker := time.NewTicker(*statsInterval)
		defer ticker.Stop()
		go func() {
			for range ticker.C {
				logStats(logger, client.Stats())
			}
		}()
	}

	<-sigCh
	client.Stop()
	logStats(logger, client.Stats())
	return 0
}

func logStats(logger *zap.Logger, s voice.Stats) {
	logger.Info("link stats",
		zap.Uint64("sent", s.PacketsSent),
		zap.Uint64("received", s.PacketsReceived),
		zap.Uint64("concealed", s.FramesConcealed),
		zap.Float64("jitterMs", s.JitterMs))
}

// prettyJSON indents a JSON payload for the terminal, falling back to the
// raw string for anything unparsable.
func prettyJSON(raw string) string {
	var v any
	if err := sonic.UnmarshalString(raw, &v); err != nil {
		return raw
	}
	out, err := sonic.ConfigDefault.MarshalIndent(v, "", "  ")
	if err != nil {
		return raw
	}
	return string(out)
}
