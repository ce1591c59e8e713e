package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mevdschee/tqrouter/cache"
	"github.com/mevdschee/tqrouter/config"
	"github.com/mevdschee/tqrouter/metrics"
	"github.com/mevdschee/tqrouter/monitor"
	"github.com/mevdschee/tqrouter/proxy"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize metrics
	metrics.Init()

	// Start metrics HTTP server with pprof
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", cfg.Metrics)
		log.Printf("Pprof endpoints at http://localhost%s/debug/pprof/", cfg.Metrics)
		if err := http.ListenAndServe(cfg.Metrics, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	queryCache, err := cache.New(10_000)
	if err != nil {
		log.Fatalf("Failed to create cache: %v", err)
	}

	// Start the cluster monitor
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := monitor.New(proxy.Servers(cfg.Cluster), cfg.Cluster.User, cfg.Cluster.Password)
	go mon.Start(ctx, 10*time.Second)
	log.Printf("[Monitor] Watching master %s and %d replicas", cfg.Cluster.Master, len(cfg.Cluster.Replicas))

	// Start the routing proxy
	p := proxy.New(cfg, mon, queryCache)
	if err := p.Start(); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	log.Println("TQRouter started. Press Ctrl+C to stop. Send SIGHUP to reload config.")

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			log.Println("Received SIGHUP, reloading configuration...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Printf("Failed to reload config: %v", err)
				continue
			}
			p.UpdateConfig(newCfg)
			log.Println("Configuration reloaded, new sessions use the new routing policy")

		case syscall.SIGINT, syscall.SIGTERM:
			log.Println("Shutting down...")
			return
		}
	}
}
