// Command dispatcherd runs the pub/sub dispatch service: it loads
// configuration, wires the dispatcher and its queue backend, mounts the
// HTTP adapter, starts any configured chaining, and serves until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dreamdispatch/pubsub/internal/config"
	"github.com/dreamdispatch/pubsub/internal/dispatcher"
	"github.com/dreamdispatch/pubsub/internal/natsembed"
	"github.com/dreamdispatch/pubsub/internal/notify"
	"github.com/dreamdispatch/pubsub/internal/pubsubservice"
	"github.com/dreamdispatch/pubsub/internal/queue"
	"github.com/dreamdispatch/pubsub/internal/singleinstance"
	"github.com/dreamdispatch/pubsub/internal/uri"
)

func main() {
	configPath := flag.String("config", "dispatcherd.yaml", "dispatcher configuration file")
	lockPath := flag.String("lock-file", "dispatcherd.lock", "single-instance lock file path")
	flag.Parse()

	cfg := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		fmt.Fprintf(os.Stderr, "no config at %s, running with defaults\n", *configPath)
	}

	guard := singleinstance.New(*lockPath)
	if existing, err := guard.Acquire(cfg.HTTPAddr); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		if existing != nil {
			fmt.Fprintf(os.Stderr, "already running as pid %d since %s\n", existing.PID, existing.StartedAt)
		}
		os.Exit(1)
	}
	defer guard.Release()

	if singleinstance.AddrInUse(cfg.HTTPAddr) {
		fmt.Fprintf(os.Stderr, "address %s is already in use\n", cfg.HTTPAddr)
		os.Exit(1)
	}

	self, err := uri.Parse(cfg.SelfURI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid self-uri %q: %v\n", cfg.SelfURI, err)
		os.Exit(1)
	}

	deliverer := queue.NewHTTPDeliverer(15*time.Second, 5)

	queueCfg := queue.Config{
		InitialRetryDelay: time.Duration(cfg.FailedDispatchRetrySeconds) * time.Second,
		MaxRetryDelay:     time.Duration(cfg.MaxRetryDelaySeconds) * time.Second,
		MaxDepth:          cfg.MaxQueueDepth,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var js nats.JetStreamContext
	var embedded *natsembed.Server
	backend := queue.BackendMemory

	switch cfg.QueueBackend {
	case config.QueueBackendSQLite:
		backend = queue.BackendSQLite
		if cfg.QueuePath == "" {
			fmt.Fprintln(os.Stderr, "queue-backend: sqlite requires queue-path")
			os.Exit(1)
		}
		if err := os.MkdirAll(cfg.QueuePath, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create queue directory: %v\n", err)
			os.Exit(1)
		}
	case config.QueueBackendNATS:
		backend = queue.BackendNATS
		if cfg.NATSURL != "" {
			conn, err := nats.Connect(cfg.NATSURL)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to connect to NATS at %s: %v\n", cfg.NATSURL, err)
				os.Exit(1)
			}
			defer conn.Close()
			js, err = conn.JetStream()
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to obtain JetStream context: %v\n", err)
				os.Exit(1)
			}
		} else {
			dataDir := cfg.QueuePath
			if dataDir == "" {
				dataDir = "dispatcherd-nats"
			}
			embedded, err = natsembed.Start(dataDir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to start embedded NATS server: %v\n", err)
				os.Exit(1)
			}
			defer embedded.Shutdown()
			js = embedded.JetStream()
			fmt.Printf("embedded NATS broker listening at %s\n", embedded.URL())
		}
		if err := queue.EnsureStream(js); err != nil {
			fmt.Fprintf(os.Stderr, "failed to ensure JetStream stream: %v\n", err)
			os.Exit(1)
		}
	}

	repo := queue.NewRepository(ctx, backend, queueCfg, cfg.QueuePath, js, deliverer)

	if cfg.ToastNotifyOnDeadQueue {
		toaster := notify.NewDeadQueueNotifier("", "http://"+cfg.HTTPAddr+"/diagnostics/subscriptions")
		repo.OnDead(func(recipientID string) {
			if err := toaster.NotifyDeadQueue(recipientID); err != nil && toaster.IsSupported() {
				fmt.Fprintf(os.Stderr, "failed to show dead-queue notification: %v\n", err)
			}
		})
	}

	d := dispatcher.New(self, repo)

	var chainCfg dispatcher.ChainConfig
	for _, raw := range cfg.Upstream {
		u, err := uri.Parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid upstream uri %q: %v\n", raw, err)
			os.Exit(1)
		}
		chainCfg.Upstream = append(chainCfg.Upstream, u)
	}
	for _, raw := range cfg.Downstream {
		u, err := uri.Parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid downstream uri %q: %v\n", raw, err)
			os.Exit(1)
		}
		chainCfg.Downstream = append(chainCfg.Downstream, u)
	}
	if len(chainCfg.Upstream) > 0 || len(chainCfg.Downstream) > 0 {
		d.StartChaining(ctx, &http.Client{Timeout: 15 * time.Second}, chainCfg)
	}

	svc := pubsubservice.New(d)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: svc.Handler()}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	fmt.Printf("dispatcherd listening on %s as %s\n", cfg.HTTPAddr, self)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	case <-shutdown:
		fmt.Println("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		repo.Stop()
	}
}
