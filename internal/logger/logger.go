// Package logger configures the process-wide zerolog logger: a rotating
// file sink, console output, and optional batched forwarding to Axiom.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "slidepipe"

// Options parameterizes Init.
type Options struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	SendToAxiom  bool
	AxiomAPIKey  string
	AxiomOrgID   string
	AxiomDataset string
	AxiomFlush   time.Duration
}

var (
	global  zerolog.Logger
	shipper *axiomShipper
)

// Init builds the global logger from opts and installs it as zerolog's
// package-level logger. Axiom failures are reported and skipped rather than
// failing startup; logging must come up even when the shipper can't.
func Init(opts Options) error {
	var sinks []io.Writer

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	if opts.Pretty {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		sinks = append(sinks, os.Stdout)
	}

	if opts.SendToAxiom && opts.AxiomAPIKey != "" {
		s, err := newAxiomShipper(opts.AxiomAPIKey, opts.AxiomOrgID, opts.AxiomDataset, opts.AxiomFlush)
		if err != nil {
			fmt.Fprintf(os.Stderr, "axiom shipping disabled: %v\n", err)
		} else {
			shipper = s
			sinks = append(sinks, s)
		}
	}

	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	global = zerolog.New(io.MultiWriter(sinks...)).Level(lvl).With().Timestamp().Logger()
	log.Logger = global
	return nil
}

// Close flushes and stops the Axiom shipper, if one was started.
func Close() {
	if shipper != nil {
		shipper.Stop()
	}
}

// Get returns the global logger.
func Get() *zerolog.Logger { return &global }

// ForRun returns a logger pre-tagged with the identifiers every pipeline
// log line carries, so stage code doesn't repeat them at each call site.
func ForRun(documentID, jobID string) zerolog.Logger {
	return global.With().Str("document_id", documentID).Str("job_id", jobID).Logger()
}

// axiomShipper buffers zerolog's JSON lines and ingests them into Axiom in
// batches. Debug lines are dropped at the door; a full buffer drops events
// rather than blocking a log call.
type axiomShipper struct {
	client  *axiom.Client
	dataset string
	events  chan axiom.Event
	done    chan struct{}
	wg      sync.WaitGroup
}

const (
	shipperBuffer = 1000
	batchMax      = 200
)

func newAxiomShipper(token, orgID, dataset string, flushEvery time.Duration) (*axiomShipper, error) {
	if dataset == "" {
		dataset = "dev_" + serviceName
	}
	opts := []axiom.Option{axiom.SetToken(token)}
	if orgID != "" {
		opts = append(opts, axiom.SetOrganizationID(orgID))
	}
	client, err := axiom.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	s := &axiomShipper{
		client:  client,
		dataset: dataset,
		events:  make(chan axiom.Event, shipperBuffer),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(flushEvery)
	return s, nil
}

// Write adapts the shipper to io.Writer so it can sit in the MultiWriter
// alongside the file and console sinks.
func (s *axiomShipper) Write(p []byte) (int, error) {
	var ev map[string]any
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = map[string]any{"message": string(p), "level": "info"}
	}
	if lvl, _ := ev["level"].(string); lvl == "debug" {
		return len(p), nil
	}
	ev["service"] = serviceName
	if _, ok := ev[ingest.TimestampField]; !ok {
		ev[ingest.TimestampField] = time.Now()
	}
	select {
	case s.events <- axiom.Event(ev):
	default:
	}
	return len(p), nil
}

func (s *axiomShipper) run(flushEvery time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]axiom.Event, 0, batchMax)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, _ = s.client.IngestEvents(ctx, s.dataset, batch)
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-s.done:
			// Drain whatever arrived before Stop, then flush once.
			for {
				select {
				case ev := <-s.events:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case ev := <-s.events:
			batch = append(batch, ev)
			if len(batch) >= batchMax {
				flush()
			}
		}
	}
}

// Stop signals the ship loop to drain and waits for it to finish.
func (s *axiomShipper) Stop() {
	close(s.done)
	s.wg.Wait()
}
