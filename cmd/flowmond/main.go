// Command flowmond is the flow monitor daemon: it ingests the sensor's
// serial telemetry and serves the control API and live stream over HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"flag"

	"github.com/banshee-data/flowmeter/internal/api"
	"github.com/banshee-data/flowmeter/internal/config"
	"github.com/banshee-data/flowmeter/internal/db"
	"github.com/banshee-data/flowmeter/internal/flow"
	"github.com/banshee-data/flowmeter/internal/serialport"
	"github.com/banshee-data/flowmeter/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Run in dev mode (replay fixtures.txt instead of real hardware)")
	listen      = flag.String("listen", ":8080", "Listen address")
	portFlag    = flag.String("port", "", "Serial port to connect to at startup (optional)")
	configPath  = flag.String("config", "", "Path to JSON config file (optional)")
	dbPath      = flag.String("db", "", "Path to the sqlite archive (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("flowmond %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	log.Printf("flowmond %s starting", version.Version)

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	var factory serialport.Factory
	if *devMode {
		data, err := os.ReadFile("fixtures.txt")
		if err != nil {
			log.Fatalf("failed to open fixtures file: %v", err)
		}
		factory = serialport.ReplayFactory{
			Lines:    strings.Split(strings.TrimSpace(string(data)), "\n"),
			Interval: time.Second,
		}
	} else {
		factory = serialport.RealFactory{}
	}

	var archive *db.DB
	if cfg.GetArchiveEnabled() {
		path := cfg.GetDatabasePath()
		if *dbPath != "" {
			path = *dbPath
		}
		var err error
		archive, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("failed to open archive database: %v", err)
		}
		defer archive.Close()
	}

	monitor := flow.NewMonitor(factory, archiverOrNil(archive), flow.MonitorConfig{
		PortOptions:  cfg.PortOptions(),
		WindowSize:   cfg.GetWindowSize(),
		Capacity:     cfg.GetSeriesCapacity(),
		StaleTimeout: cfg.GetStaleTimeout(),
		ReadTimeout:  cfg.GetReadTimeout(),
		Delimiter:    cfg.GetDelimiter(),
		MinFields:    cfg.GetMinFrameFields(),
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the acquisition loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := monitor.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("monitor loop failed: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// connect at startup when a port was given
	startPort := *portFlag
	if startPort == "" {
		startPort = cfg.GetPort()
	}
	if *devMode && startPort == "" {
		startPort = "fixtures"
	}
	if startPort != "" {
		if err := monitor.Connect(startPort); err != nil {
			log.Printf("startup connect to %s failed: %v", startPort, err)
		}
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		if archive != nil {
			archive.AttachAdminRoutes(mux)
		}

		apiMux := api.NewServer(monitor, archive).ServeMux()
		mux.Handle("/api/", http.StripPrefix("/api", apiMux))

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
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
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// archiverOrNil avoids handing the monitor a non-nil interface wrapping a
// nil *db.DB.
func archiverOrNil(archive *db.DB) flow.Archiver {
	if archive == nil {
		return nil
	}
	return archive
}
