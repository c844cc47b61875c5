package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bmslab/cellbench/internal/board"
	"github.com/bmslab/cellbench/internal/cal"
	"github.com/bmslab/cellbench/internal/panel"
	"github.com/bmslab/cellbench/internal/settings"
	"github.com/bmslab/cellbench/web"
)

func main() {
	configPath := flag.String("config", "/etc/cellbench/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated test board")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	portPath := flag.String("port", "", "Override serial port (skips USB detection)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	// Load config
	cfg := panel.LoadConfig(*configPath)

	if cfg.Logging.File != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
	}
	log.Println("[main] cellbench starting")

	if *demo {
		cfg.Board.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Load the per-board profile
	st := settings.Load(cfg.Board.SettingsPath)
	if *portPath != "" {
		st.Set("serial_port", *portPath)
	}

	// Load the calibration profile sized to the pack geometry
	calStore := cal.NewStore(st.Int("cells_series", 18), st.Int("cells_parallel", 4))
	calStore.Load(st)
	if !calStore.Loaded() {
		log.Println("[main] no calibration profile, conversions disabled until calibrated")
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// Initialize the board provider
	var prov board.Provider
	switch cfg.Board.Type {
	case "pico":
		prov = board.NewPico(board.Config{
			Port:       st.String("serial_port", ""),
			Baud:       st.Int("serial_baud", 115200),
			Timeout:    st.Seconds("serial_timeout", 1.0),
			Retries:    st.Int("serial_retries", 3),
			ADCSamples: st.Int("adc_samples", 16),
			ADCFreq:    st.Int("adc_frequency", 1000),
		}, calStore)
	default:
		prov = board.NewDemo(calStore)
	}

	// Try connecting with exponential backoff (non-blocking — panel starts regardless)
	go connectWithRetry(ctx, "board", prov, 10)

	// Start the panel — works immediately even while the board is still connecting
	srv := panel.New(cfg, prov, st, calStore, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectable is the subset of board.Provider the retry loop needs.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
