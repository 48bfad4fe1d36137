// Command live-check opens one Live API session, sends a text turn and
// prints what comes back. It verifies credentials and model access without
// any audio hardware.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/tligentia/PacientIA/gemini"
	"github.com/tligentia/PacientIA/messages"
)

type printSink struct {
	done chan struct{}
	once sync.Once
}

func (s *printSink) Message(msg *messages.LiveMessage) {
	sc := msg.ServerContent
	if sc == nil {
		return
	}
	if data := sc.AudioData(); data != "" {
		log.Printf("received audio: %d base64 chars", len(data))
	}
	if sc.OutputTranscription != nil {
		log.Printf("transcript: %s", sc.OutputTranscription.Text)
	}
	if sc.TurnComplete {
		log.Println("turn complete")
		s.once.Do(func() { close(s.done) })
	}
}

func (s *printSink) Error(err error) { log.Printf("error: %v", err) }

func (s *printSink) Closed() { log.Println("session closed by server") }

func main() {
	prompt := flag.String("text", "Hola, ¿qué te trae hoy a la consulta?", "text turn to send")
	wait := flag.Duration("wait", 20*time.Second, "how long to wait for the reply")
	flag.Parse()

	_ = godotenv.Load()
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		log.Fatal("GEMINI_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	proxy, err := gemini.NewProxy(ctx, gemini.Config{
		APIKey: apiKey,
		Model:  os.Getenv("GEMINI_MODEL"),
		Voice:  os.Getenv("GEMINI_VOICE"),
	}, nil)
	if err != nil {
		log.Fatalf("Failed to create proxy: %v", err)
	}

	sink := &printSink{done: make(chan struct{})}
	remote, err := proxy.Connect(ctx, sink)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer remote.Close()

	live, ok := remote.(*gemini.LiveSession)
	if !ok {
		log.Fatalf("unexpected remote type %T", remote)
	}
	if err := live.SendText(*prompt); err != nil {
		log.Fatalf("Failed to send text: %v", err)
	}

	log.Println("waiting for response...")
	select {
	case <-sink.done:
	case <-ctx.Done():
		log.Println("timed out")
	}
}
