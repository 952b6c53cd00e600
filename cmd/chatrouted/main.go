// Command chatrouted serves the chat routing engine over HTTP.
//
// Usage:
//
//	chatrouted -config /etc/chatroute/config.yaml -env-file /etc/chatroute/.env
//
// Without a config file it starts with an embedded NATS server, suitable for
// local development.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/chatroute"
	"github.com/arloliu/chatroute/handoff"
	"github.com/arloliu/chatroute/internal/activity"
	"github.com/arloliu/chatroute/internal/amqpx"
	"github.com/arloliu/chatroute/internal/httpapi"
	"github.com/arloliu/chatroute/internal/logging"
	"github.com/arloliu/chatroute/internal/metrics"
	"github.com/arloliu/chatroute/journal"
	"github.com/arloliu/chatroute/notify"
	"github.com/arloliu/chatroute/store"
	"github.com/arloliu/chatroute/types"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("CHATROUTE_CONFIG", ""), "Path to the YAML configuration file")
	envFile := flag.String("env-file", getEnv("CHATROUTE_ENV_FILE", ".env"), "Path to a .env file loaded before the config")
	flag.Parse()

	envErr := godotenv.Load(*envFile)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrouted: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.NewZapFromConfig(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrouted: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if envErr != nil {
		logger.Debug("no .env file loaded", "path", *envFile, "error", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("chatrouted exited with error", "error", err)
		os.Exit(1)
	}
}

// run wires the daemon and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, cfg Config, logger types.Logger) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	// 1. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var collector types.MetricsCollector = metrics.NewNop()
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheus(reg, cfg.Metrics.Namespace)
	}

	// 2. State store
	st, nc, err := openStore(cfg.Store, logger, &closers)
	if err != nil {
		return err
	}

	opts := []chatroute.Option{
		chatroute.WithLogger(logger),
		chatroute.WithMetrics(collector),
	}

	// 3. Collaborators
	var pub *amqpx.Publisher
	if cfg.usesAMQP() {
		pub, err = amqpx.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange, "chatrouted")
		if err != nil {
			return err
		}
		closers = append(closers, pub)
		logger.Info("connected to AMQP", "exchange", cfg.AMQP.Exchange)
	}

	switch cfg.Handoff.Backend {
	case BackendNATS:
		h, err := handoff.NewNATS(nc, cfg.Handoff.SubjectPrefix)
		if err != nil {
			return err
		}
		opts = append(opts, chatroute.WithHandoff(h))
	case BackendAMQP:
		opts = append(opts, chatroute.WithHandoff(handoff.NewAMQP(pub)))
	}

	if cfg.Notify.Backend == BackendAMQP {
		opts = append(opts, chatroute.WithNotifier(notify.NewAMQPSender(pub)))
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		closers = append(closers, j)
		opts = append(opts, chatroute.WithJournal(j))
		logger.Info("journal opened", "path", cfg.Journal.Path)
	}

	// 4. Engine
	eng, err := chatroute.NewEngine(&cfg.Engine, st, opts...)
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = eng.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	// 5. Activity events
	var consumer *activity.Consumer
	if cfg.Activity.Enabled {
		consumer, err = activity.New(nc, eng, activity.Config{
			Stream:        cfg.Activity.Stream,
			SubjectPrefix: cfg.Activity.SubjectPrefix,
			Durable:       cfg.Activity.Durable,
			Logger:        logger,
		})
		if err == nil {
			err = consumer.Start(ctx)
		}
		if err != nil {
			_ = eng.Stop(context.Background())
			return fmt.Errorf("start activity consumer: %w", err)
		}
	}

	// 6. HTTP
	srv, err := httpapi.New(httpapi.Config{
		Engine:         eng,
		Addr:           cfg.HTTP.Addr,
		AllowOrigins:   cfg.HTTP.AllowOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		PingInterval:   cfg.HTTP.PingInterval,
		Registerer:     reg,
		Gatherer:       reg,
		Logger:         logger,
	})
	if err != nil {
		if consumer != nil {
			_ = consumer.Stop()
		}
		_ = eng.Stop(context.Background())

		return err
	}

	logger.Info("chatrouted started",
		"instance", eng.InstanceID(),
		"store", cfg.Store.Backend,
		"handoff", cfg.Handoff.Backend,
		"activity", cfg.Activity.Enabled,
		"addr", cfg.HTTP.Addr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		httpErr := srv.Shutdown(shutdownCtx)
		var consumerErr error
		if consumer != nil {
			consumerErr = consumer.Stop()
		}
		engErr := eng.Stop(shutdownCtx)

		return errors.Join(httpErr, consumerErr, engErr)
	})

	return g.Wait()
}

// openStore connects the configured backend. The NATS connection is returned
// for the NATS handoff and is nil for other backends.
func openStore(cfg StoreConfig, logger types.Logger, closers *[]io.Closer) (types.StateStore, *nats.Conn, error) {
	switch cfg.Backend {
	case BackendMemory:
		st := store.NewMemory()
		*closers = append(*closers, st)
		logger.Warn("using the in-memory store; state is lost on exit and not shared between instances")

		return st, nil, nil

	case BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		*closers = append(*closers, client)

		st, err := store.NewRedis(client, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to Redis", "addr", cfg.RedisAddr)

		return st, nil, nil

	default:
		url := cfg.NATSURL
		if cfg.EmbeddedNATS {
			dir := cfg.EmbeddedDir
			if dir == "" {
				tmp, err := os.MkdirTemp("", "chatrouted-nats-")
				if err != nil {
					return nil, nil, fmt.Errorf("create JetStream dir: %w", err)
				}
				*closers = append(*closers, closerFunc(func() error { return os.RemoveAll(tmp) }))
				dir = tmp
			}

			ns, err := startEmbeddedNATS(dir)
			if err != nil {
				return nil, nil, err
			}
			*closers = append(*closers, closerFunc(func() error {
				ns.Shutdown()
				ns.WaitForShutdown()

				return nil
			}))
			url = ns.ClientURL()
			logger.Info("embedded NATS server started", "url", url)
		}

		nc, err := nats.Connect(url,
			nats.Name("chatrouted"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
		}
		*closers = append(*closers, closerFunc(func() error {
			return nc.Drain()
		}))

		st, err := store.NewNATS(nc)
		if err != nil {
			return nil, nil, err
		}

		return st, nc, nil
	}
}

func startEmbeddedNATS(dir string) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  dir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server not ready within 10s")
	}

	return ns, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
