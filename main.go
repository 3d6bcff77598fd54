package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/presence.report/internal/api"
	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/fusion/estimator"
	"github.com/banshee-data/presence.report/internal/fusion/ingest"
	"github.com/banshee-data/presence.report/internal/fusion/pipeline"
	sqlite "github.com/banshee-data/presence.report/internal/fusion/storage/sqlite"
	"github.com/banshee-data/presence.report/internal/fusion/syncbuf"
	"github.com/banshee-data/presence.report/internal/fusion/tracks"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to tuning config JSON (defaults apply when empty)")
	dbPath     = flag.String("db", "presence_data.db", "Path to the sqlite database (empty disables persistence)")
	listen     = flag.String("listen", ":8080", "Listen address")
	bleScanner = flag.String("ble-scanner-id", "ble-scanner-1", "Source identifier for the BLE scanner feed")
	once       = flag.Bool("once", false, "Run a single fusion cycle, print its snapshots, and exit")
	debugLogs  = flag.Bool("debug", false, "Enable diagnostic and trace log streams")
)

// runWithReconnect keeps a line-oriented source alive: when run returns
// (port error, feed EOF) it backs off and reopens, doubling up to 30s,
// until ctx is cancelled.
func runWithReconnect(ctx context.Context, name string, run func() error) {
	backoff := time.Second
	for {
		err := run()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("%s adapter failed, reconnecting in %v: %v", name, backoff, err)
		} else {
			log.Printf("%s feed ended, reconnecting in %v", name, backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func main() {
	flag.Parse()

	if *debugLogs {
		pipeline.SetLogWriters(os.Stderr, os.Stderr, os.Stderr)
	} else {
		pipeline.SetLogWriters(os.Stderr, nil, nil)
	}

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	counters := monitoring.NewCounters()
	buffer := syncbuf.NewBuffer(syncbuf.ParamsFromTuning(cfg), counters)
	est := estimator.New(estimator.ParamsFromTuning(cfg), counters)
	manager := tracks.NewManager(tracks.ParamsFromTuning(cfg), est, counters)

	var store *sqlite.Store
	var sink pipeline.PersistenceSink
	var trailStore api.TrailStore
	if *dbPath != "" {
		var err error
		store, err = sqlite.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer store.Close()
		sink = store
		trailStore = store
	}

	driver := pipeline.NewDriver(pipeline.DriverConfigFromTuning(cfg), buffer, manager, nil, sink, nil)
	apiServer := api.NewServer(trailStore, counters, nil, driver.SessionID())
	driver.SetPublisher(apiServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if store != nil {
		if err := store.InsertSession(ctx, driver.SessionID(), time.Now().UnixNano()); err != nil {
			log.Fatalf("failed to record session: %v", err)
		}
	}

	log.Printf("presence.report %s (%s) session=%s", version.Version, version.GitSHA, driver.SessionID())

	if *once {
		snaps := driver.RunCycle(ctx, time.Now())
		out, err := json.MarshalIndent(snaps, "", "  ")
		if err != nil {
			log.Fatalf("failed to marshal snapshots: %v", err)
		}
		os.Stdout.Write(append(out, '\n'))
		return
	}

	var wg sync.WaitGroup

	// Ingestion adapters run only for configured sources; an unconfigured
	// modality just never contributes evidence.
	client := httputil.NewStandardClient(nil)
	if cfg.GetWiFiExporterURL() != "" {
		adapter := ingest.NewWiFiAdapter(cfg, client, buffer, nil, counters)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adapter.Run(ctx); err != nil {
				log.Printf("wifi adapter terminated: %v", err)
			}
		}()
	}
	if cfg.GetVisionExporterURL() != "" {
		adapter := ingest.NewVisionAdapter(cfg, client, buffer, nil, counters)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adapter.Run(ctx); err != nil {
				log.Printf("vision adapter terminated: %v", err)
			}
		}()
	}
	if cfg.GetMmWavePort() != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWithReconnect(ctx, "mmwave", func() error {
				port, err := ingest.OpenSerialPort(cfg.GetMmWavePort(), cfg.GetMmWaveBaud())
				if err != nil {
					return err
				}
				defer port.Close()
				return ingest.NewMmWaveAdapter(cfg, port, buffer, counters).Run(ctx)
			})
		}()
	}
	if cfg.GetBLEFeedPath() != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWithReconnect(ctx, "ble", func() error {
				feed, err := os.Open(cfg.GetBLEFeedPath())
				if err != nil {
					return err
				}
				defer feed.Close()
				return ingest.NewBLEAdapter(*bleScanner, feed, buffer, counters).Run(ctx)
			})
		}()
	}

	// Fusion cycle driver.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := driver.Run(ctx); err != nil {
			log.Printf("cycle driver terminated: %v", err)
		}
	}()

	// HTTP server goroutine.
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(apiServer.ServeMux()),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
