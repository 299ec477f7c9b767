package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cfg := LoadConfig()

	db, err := OpenDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	metrics := NewMetricsAggregator(db)
	metrics.Start()

	mm := NewMatchmaker(cfg.MaxPlayersPerMatch, metrics, db)
	mm.Start()

	hub := NewHub(mm, metrics, db, cfg)
	go hub.Run()

	mux := SetupRoutes(hub)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	go func() {
		log.Printf("server starting on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("listenAndServe: %v", err)
		}
	}()

	<-stop
	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(ctx)

	mm.Shutdown()
}
