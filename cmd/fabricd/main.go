package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/r3e-network/execfabric/internal/app"
	"github.com/r3e-network/execfabric/pkg/config"
	"github.com/r3e-network/execfabric/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (overrides CONFIG_FILE and configs/config.yaml)")
	meshInbound := flag.String("mesh-addr", "", "HTTP listen address for the mesh relay's inbound endpoint (overrides config/env; ignored unless mesh is enabled)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log := logger.New(cfg.Logging.ToLoggerConfig())

	banner := color.New(color.FgCyan, color.Bold)
	banner.Println("execfabric: polyglot execution fabric")

	coordinator, err := app.New(cfg, log)
	if err != nil {
		log.WithField("error", err).Fatal("initialize coordinator")
	}

	ctx := context.Background()
	if err := startWithRestoreProgress(ctx, coordinator); err != nil {
		log.WithField("error", err).Fatal("start coordinator")
	}

	color.Green("execfabric is running (ledger/matrix/staging/tokens/persistence wired)")
	if coordinator.Mesh != nil {
		addr := cfg.Mesh.ListenAddr
		if *meshInbound != "" {
			addr = *meshInbound
		}
		color.Yellow("mesh relay inbound endpoint listening on %s", addr)
		go func() {
			if err := serveMeshInbound(addr, coordinator); err != nil {
				log.WithField("error", err).Warn("mesh inbound HTTP server stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	color.Magenta("shutting down, writing final checkpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coordinator.Stop(shutdownCtx); err != nil {
		log.WithField("error", err).Fatal("shutdown")
	}
}

// startWithRestoreProgress starts the coordinator, rendering a progress bar
// if the last checkpoint has enough promoted snippets to make a silent
// restart feel like a hang.
func startWithRestoreProgress(ctx context.Context, coordinator *app.Coordinator) error {
	var bar *progressbar.ProgressBar
	onProgress := func(done, total int) {
		if total <= 5 {
			return
		}
		if bar == nil {
			bar = progressbar.Default(int64(total), "restoring promoted snippets")
		}
		_ = bar.Set(done)
	}
	return coordinator.StartWithProgress(ctx, onProgress)
}

func serveMeshInbound(addr string, coordinator *app.Coordinator) error {
	if coordinator.Mesh == nil {
		return fmt.Errorf("mesh relay not enabled")
	}
	server := &http.Server{Addr: addr, Handler: coordinator.Mesh.InboundHandler()}
	return server.ListenAndServe()
}
