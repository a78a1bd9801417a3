package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"collabsession/config"
	"collabsession/internal/admission"
	"collabsession/internal/auth"
	"collabsession/internal/cache"
	"collabsession/internal/doc"
	"collabsession/internal/events"
	"collabsession/internal/metric"
	"collabsession/internal/session"
	"collabsession/internal/store"
	"collabsession/internal/ws"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("init config failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Error("redis connect failed", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Error("mysql connect failed", "error", err)
		os.Exit(1)
	}

	kafkaCfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Error("kafka connect failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	dispatcher := events.NewKafkaDispatcher(producer, cfg.Kafka.Topic,
		events.NewSemaphore(100),
		events.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		}, log)

	instanceID, err := os.Hostname()
	if err != nil || instanceID == "" {
		instanceID = "collab-unknown"
	}
	metrics := metric.NewMetrics(instanceID)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Error("metrics register failed", "error", err)
		os.Exit(1)
	}

	documentStore := store.NewDocumentStore(db)
	userStore := store.NewUserStore(db)
	presence := cache.NewRedisRecorder(rdb)

	// observability taps ride the hook list; they observe every lifecycle
	// step and can never alter control flow
	var registry *session.Registry
	refreshGauges := func() {
		conns, sessions := registry.Counts()
		metrics.SetActiveConnections(conns)
		metrics.SetActiveSessions(sessions)
	}
	metricTap := session.Hooks{
		OnConnect: func(ev session.Event) {
			metrics.ConnectionsAccepted.Inc()
			refreshGauges()
		},
		OnDisconnect: func(ev session.Event) {
			metrics.Disconnects.Inc()
			refreshGauges()
		},
		OnChange: func(session.Event) { metrics.EditsObserved.Inc() },
		OnFlush: func(info session.FlushInfo) {
			status := "skipped"
			if info.Err != nil {
				status = "failed"
			} else if info.Written {
				status = "written"
			}
			metrics.Flushes.WithLabelValues(status).Inc()
			metrics.FlushDuration.Observe(info.Duration.Seconds())
		},
		OnSessionDestroy: func(doc.Key) {
			metrics.SessionsDestroyed.Inc()
			refreshGauges()
		},
	}
	logTap := session.Hooks{
		OnConnect: func(ev session.Event) {
			log.Info("connection accepted", "docId", ev.Key.ID, "connId", ev.ConnID, "userId", ev.UserID)
		},
		OnDisconnect: func(ev session.Event) {
			log.Info("connection closed", "docId", ev.Key.ID, "connId", ev.ConnID, "userId", ev.UserID)
		},
		OnSessionDestroy: func(key doc.Key) {
			log.Info("session destroyed", "docId", key.ID)
		},
	}

	registry = session.NewRegistry(documentStore, doc.NewOpSetEngine(), dispatcher, presence,
		session.Options{
			Debounce:       cfg.Session.Debounce,
			MaxWait:        cfg.Session.MaxWait,
			MaxConnections: cfg.Session.MaxConnectionsPerDocument,
			PresenceWindow: cfg.Session.PresenceWindow,
		}, log, metricTap, logTap)

	resolver := auth.NewJWTResolver([]byte(cfg.Auth.Secret), userStore)
	pipeline := admission.Default(cfg.Protocol.Version, resolver, auth.TeamAuthorizer{},
		admission.NewSharedDocs(documentStore), registry, log)

	hub := ws.NewHub()
	manager := ws.NewManager(hub, pipeline, registry, metrics, log)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	collab := r.Group("/collab")
	collab.GET("/ws/:documentKey", manager.Connect)
	collab.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info("collab session server listening", "port", cfg.Running.Port, "instance", instanceID)
	if err := r.Run(fmt.Sprintf(":%d", cfg.Running.Port)); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
