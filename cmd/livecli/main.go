// livecli streams a local audio file through the session client to a relay
// and prints the translation results, simulating the capture cadence of a
// real tab-audio source.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/babelfish-live/babelfish/capture"
	"github.com/babelfish-live/babelfish/client"
	"github.com/babelfish-live/babelfish/config"
	"github.com/babelfish-live/babelfish/messages"
	"github.com/babelfish-live/babelfish/translation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	serverURL := flag.String("server", cfg.Endpoint, "relay WebSocket URL")
	audioFile := flag.String("file", "examples/user.pcm", "audio file to send (PCM or WAV)")
	fromLang := flag.String("from", "en", "source language code")
	toLang := flag.String("to", "ja", "target language code")
	flag.Parse()

	audioData, err := loadAudioFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to load audio: %v", err)
	}

	processor := translation.NewProcessor()
	processor.OnResult(func(r translation.Result) {
		if r.IsFinal {
			fmt.Printf("  %s\n", r.Text)
		} else {
			fmt.Printf("  ... %s\n", r.Text)
		}
	})

	cl := client.New(client.Config{
		Endpoint:          *serverURL,
		ClientID:          cfg.ClientID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AcceptDeadline:    cfg.AcceptDeadline,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		MaxRetries:        cfg.MaxRetries,
	})

	started := make(chan struct{}, 1)
	cl.OnSessionStarted(func(p messages.SessionStartedPayload) {
		if err := processor.InitSession(p.SessionID, *fromLang, *toLang); err != nil {
			log.Fatalf("Failed to init session: %v", err)
		}
		log.Printf("session accepted: %s", p.SessionID)
		select {
		case started <- struct{}{}:
		default:
		}
	})
	cl.OnTranslation(func(p messages.TranslationPayload) {
		if err := processor.HandleTranslationResponse(p); err != nil {
			log.Printf("dropped translation: %v", err)
		}
	})
	cl.OnError(func(p messages.ErrorPayload) {
		log.Printf("server error %s: %s", p.Code, p.Message)
	})
	cl.OnReconnecting(func(ev client.ReconnectEvent) {
		processor.UpdateStatus(translation.StatusConnecting)
		log.Printf("reconnecting (attempt %d, in %s)...", ev.Attempt, ev.Delay)
	})
	cl.OnMaxRetriesReached(func() {
		processor.UpdateStatus(translation.StatusError)
		log.Fatal("connection lost and retries exhausted")
	})

	log.Printf("connecting to %s...", *serverURL)
	if err := cl.Connect(context.Background()); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer cl.Disconnect()

	if err := cl.StartSession(*fromLang, *toLang); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}

	select {
	case <-started:
	case <-time.After(cfg.AcceptDeadline + time.Second):
		log.Fatal("session was not accepted in time")
	}

	// Stream at the capture cadence, framing each chunk with its sequence
	// number and elapsed capture time.
	var seq atomic.Uint32
	captureStart := time.Now()
	src := capture.NewReaderSource(bytes.NewReader(audioData), capture.DefaultChunkInterval, capture.DefaultChunkSize)
	var sent atomic.Int64
	src.OnChunk(func(data []byte) {
		n := seq.Add(1) - 1
		ts := uint32(time.Since(captureStart).Milliseconds())
		if err := cl.SendAudioChunk(data, n, ts); err != nil {
			log.Printf("send failed: %v", err)
			return
		}
		sent.Add(int64(len(data)))
	})
	src.OnError(func(err error) {
		log.Printf("capture error: %v", err)
	})

	if err := src.Start(); err != nil {
		log.Fatalf("Failed to start capture: %v", err)
	}
	if err := src.StartRecording(); err != nil {
		log.Fatalf("Failed to start recording: %v", err)
	}
	defer src.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	total := int64(len(audioData))
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

stream:
	for {
		select {
		case <-interrupt:
			log.Println("interrupted")
			break stream
		case <-ticker.C:
			if sent.Load() >= total {
				break stream
			}
		}
	}

	// Give the relay a moment to flush the final utterance
	time.Sleep(2 * time.Second)

	m := processor.GetLatencyMetrics()
	log.Printf("latency over %d samples: p50=%.0fms p95=%.0fms p99=%.0fms", m.Count, m.P50, m.P95, m.P99)
}

// loadAudioFile loads a PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Standard WAV header is 44 bytes, starting with "RIFF"
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		return data[44:], nil
	}
	return data, nil
}
