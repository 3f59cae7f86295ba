package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshmap-go/internal/api"
	"meshmap-go/internal/broadcast"
	"meshmap-go/internal/classifier"
	"meshmap-go/internal/common/config"
	"meshmap-go/internal/common/logging"
	"meshmap-go/internal/decoder"
	"meshmap-go/internal/ingest"
	"meshmap-go/internal/persistence"
	"meshmap-go/internal/router"
	"meshmap-go/internal/topology"
)

// eventBuffer sizes the channel between the MQTT callback and the
// broadcaster; overflow is dropped and counted, never blocked on.
const eventBuffer = 4096

func main() {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		logging.SetLogLevel(level)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := topology.NewStore(cfg)
	now := float64(time.Now().UnixNano()) / float64(time.Second)

	if st, err := persistence.LoadState(cfg.StateFile); err != nil {
		logging.Log(logging.Error, "state load failed: %v", err)
	} else {
		store.ImportState(st, cfg.RoleOverrides())
		logging.Log(logging.Info, "restored %d devices from %s", store.DeviceCount(), cfg.StateFile)
	}

	var historyLog *persistence.HistoryLog
	if cfg.HistoryEnabled {
		cutoff := now - cfg.HistoryWindow.Seconds()
		if segments, err := persistence.LoadSegments(cfg.HistoryFile, cutoff); err != nil {
			logging.Log(logging.Error, "history load failed: %v", err)
		} else if len(segments) > 0 {
			store.LoadSegments(segments)
			logging.Log(logging.Info, "restored %d history segments", len(segments))
		}
		log, err := persistence.OpenHistoryLog(cfg.HistoryFile)
		if err != nil {
			logging.Log(logging.Error, "history log unavailable: %v", err)
		} else {
			historyLog = log
			store.SetSegmentSink(log.Append)
			defer log.Close()
		}
	}

	dec := decoder.New(cfg)
	cls := classifier.New(cfg, dec)
	hub := broadcast.NewHub()
	stats := ingest.NewStats(cfg.DebugLastMax, cfg.DebugStatusMax)

	events := make(chan broadcast.Event, eventBuffer)
	dispatcher := ingest.NewDispatcher(cfg, cls, store, stats, events)

	go broadcast.NewBroadcaster(cfg, store, hub).Run(ctx, events)
	go broadcast.NewReaper(cfg, store, hub).Run(ctx)

	saver := persistence.NewSaver(cfg, store)
	go saver.Run(ctx)
	if historyLog != nil {
		go persistence.NewCompactor(cfg, store, historyLog).Run(ctx)
	}

	client := ingest.NewClient(cfg, dispatcher)
	if err := client.Connect(); err != nil {
		// The client keeps retrying in the background.
		logging.Log(logging.Error, "initial mqtt connect failed: %v", err)
	}
	defer client.Disconnect()

	svc := api.NewService(cfg, store, hub, stats, dec)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router.NewRouter(svc.Routes()),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Log(logging.Info, "listening on %s", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Log(logging.Error, "http server: %v", err)
	}
	saver.SaveNow()
}
