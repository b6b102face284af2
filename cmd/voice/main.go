package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/device"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/session"
	"github.com/lexiqai/voice-client/internal/transport"
	"github.com/lexiqai/voice-client/internal/voiceerr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const usage = `commands:
  /t <text>   send a text message
  i           interrupt the assistant
  q           quit`

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	url := flag.String("url", cfg.RealtimeURL, "realtime endpoint")
	binary := flag.Bool("binary", cfg.BinaryAudioFrames, "send microphone audio as binary frames")
	mute := flag.Bool("mute", false, "connect without starting the microphone")
	flag.Parse()
	cfg.RealtimeURL = *url
	cfg.BinaryAudioFrames = *binary

	// stdout belongs to the conversation transcript
	observability.InitLoggerTo(os.Stderr, cfg.LogLevel, cfg.LogPretty)
	logger := observability.WithComponent("voice")

	if cfg.MetricsEnabled && cfg.MetricsPort != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics listener stopped")
			}
		}()
	}

	opts := session.OptionsFromConfig(cfg)
	sup := session.NewSupervisor(
		transport.NewWSDialer(cfg.ConnectTimeoutDuration()),
		device.NewMalgoMicrophone(logger),
		func() (device.Output, error) {
			return device.NewOtoOutput(cfg.SampleRate, 100*time.Millisecond, logger)
		},
		opts,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fatal := make(chan error, 1)
	err = sup.Connect(ctx, session.Callbacks{
		OnStateChange: func(from, to session.State) {
			logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("State")
		},
		OnUserTranscript: func(text string) {
			fmt.Printf("\nyou: %s\n", text)
		},
		OnAssistantDelta: func(text string) {
			fmt.Print(text)
		},
		OnAssistantTranscript: func(text string) {
			fmt.Println()
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			if voiceerr.Is(err, voiceerr.KindReconnectExhausted) {
				select {
				case fatal <- err:
				default:
				}
			}
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", cfg.RealtimeURL, err)
		return 1
	}
	defer sup.Disconnect()

	if !*mute {
		if err := sup.StartAudio(ctx); err != nil {
			if errors.Is(err, voiceerr.ErrDeviceUnavailable) {
				fmt.Fprintln(os.Stderr, "No microphone available, continuing with text only")
			} else {
				fmt.Fprintf(os.Stderr, "Failed to start microphone: %v\n", err)
				return 1
			}
		}
	}

	fmt.Fprintln(os.Stderr, usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case err := <-fatal:
			logger.Error().Err(err).Msg("Session lost")
			return 1
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if quit := handleCommand(sup, strings.TrimSpace(line)); quit {
				return 0
			}
		}
	}
}

// handleCommand runs one console command and reports whether to quit
func handleCommand(sup *session.Supervisor, line string) bool {
	switch {
	case line == "":
	case line == "q":
		return true
	case line == "i":
		sup.Interrupt()
	case strings.HasPrefix(line, "/t "):
		if err := sup.SendText(strings.TrimSpace(strings.TrimPrefix(line, "/t "))); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	default:
		fmt.Fprintln(os.Stderr, usage)
	}
	return false
}
