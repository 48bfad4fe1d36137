// Command voice runs one live voice session on the local sound card through
// sox. Press Enter to start or stop the conversation; Ctrl-C quits.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tligentia/PacientIA/audio"
	"github.com/tligentia/PacientIA/audio/sox"
	"github.com/tligentia/PacientIA/config"
	"github.com/tligentia/PacientIA/gemini"
	"github.com/tligentia/PacientIA/messages"
	"github.com/tligentia/PacientIA/observe"
	"github.com/tligentia/PacientIA/session"
)

func main() {
	soxPath := flag.String("sox", "", "sox binary (defaults to SOX_PATH or sox)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *soxPath != "" {
		cfg.SoxPath = *soxPath
	}
	logger := observe.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxy, err := gemini.NewProxy(ctx, gemini.Config{
		APIKey:            cfg.GeminiAPIKey,
		Model:             cfg.GeminiModel,
		Voice:             cfg.GeminiVoice,
		SystemInstruction: cfg.SystemInstruction,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create proxy: %v", err)
	}

	c := session.NewController("local", sox.New(cfg.SoxPath, logger), proxy, session.Options{
		SendQueueSize:  cfg.SendQueueSize,
		ConnectTimeout: cfg.LiveConnectTimeout,
		Logger:         logger,
		Hooks: session.Hooks{
			OnStatus: func(s session.Status) { fmt.Printf("● %s\n", s) },
			OnTranscription: func(t session.Transcription) {
				if t.IsComplete {
					fmt.Printf("  tú: %s\n  PacientIA: %s\n", t.UserInput, t.AIOutput)
				}
			},
			OnSpeaking: func(v bool) {
				if v {
					fmt.Println("  (hablando...)")
				}
			},
			OnError: func(err error) {
				if errors.Is(err, audio.ErrPermissionDenied) || errors.Is(err, audio.ErrDeviceUnavailable) {
					fmt.Println("✗", messages.MicrophoneDeniedMessage)
					return
				}
				fmt.Println("✗", err)
			},
		},
	})
	defer c.Close()

	fmt.Println("Press Enter to start or stop the conversation, Ctrl-C to quit.")
	lines := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- struct{}{}
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-lines:
			if !ok {
				return
			}
			c.Toggle()
		}
	}
}
