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

	"github.com/gin-gonic/gin"

	"SHProject/config"
	"SHProject/logger"
	mid "SHProject/middleware"
	"SHProject/service/admin"
	"SHProject/service/connector"
	"SHProject/service/gateway"
	"SHProject/service/health"
	"SHProject/service/kafka"
	"SHProject/service/metrics"
	"SHProject/service/natsx"
	"SHProject/service/recommend"
	"SHProject/service/storage"
	"SHProject/tools/ids"
	"SHProject/tools/safe"
	"SHProject/tools/security"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("SH_CONFIG"), "config file path")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ids.SetNodeID(cfg.Server.NodeID)

	authOpts := security.Options{Secret: []byte(cfg.Auth.Secret), Alg: cfg.Auth.Alg, TTL: cfg.Auth.TTL}

	// 1) 外部协作方（全部可选，缺省时功能降级）
	var sinks []gateway.EventSink
	var nc *natsx.Client
	if cfg.Nats.Enabled {
		nc, err = natsx.NewClient(natsx.Conf{
			Servers: cfg.Nats.Servers, Name: cfg.Nats.Name, Timeout: cfg.Nats.Timeout,
		})
		if err != nil {
			log.Fatalf("nats: %v", err)
		}
		defer nc.Close()
		sinks = append(sinks, natsx.NewSink(nc, cfg.Router.EgressSubject))
	}
	var kp *kafka.Producer
	if cfg.Kafka.Enabled {
		kp, err = kafka.NewProducer(kafka.Conf{
			Brokers: cfg.Kafka.Brokers, Topic: cfg.Router.EgressTopic,
		})
		if err != nil {
			log.Fatalf("kafka: %v", err)
		}
		defer kp.Close()
		sinks = append(sinks, kp)
	}

	// 2) 指标采集
	var exporter metrics.Exporter
	if nc != nil {
		exporter = metrics.NewNatsExporter(nc, cfg.Metrics.Subject)
	}
	col := metrics.NewCollector(metrics.Conf{
		QueueSize: cfg.Metrics.QueueSize, ExportEvery: cfg.Metrics.ExportInterval,
	}, exporter)
	defer col.Close()

	// 3) 注册表 + 在线簿记
	reg := gateway.NewRegistry()
	var pres *storage.RedisPresence
	if cfg.Redis.Enabled {
		rdb, err := storage.NewRedis(storage.RedisConf{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password,
			DB: cfg.Redis.DB, PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		pres = storage.NewRedisPresence(storage.PresenceConf{
			NodeID: fmt.Sprintf("node-%d", cfg.Server.NodeID),
		}, rdb)
		reg.SetPresence(pres)
	}

	// 4) 核心管线
	router := gateway.NewRouter(reg, col, gateway.RouterConf{
		DedupWindow:  cfg.Router.DedupWindow,
		PendingTTL:   cfg.Router.PendingTTL,
		PendingLimit: cfg.Router.PendingLimit,
	}, sinks...)
	limiter := gateway.NewRateLimiter(gateway.RateLimiterConf{
		Capacity:  cfg.RateLimit.Capacity,
		RefillPS:  cfg.RateLimit.RefillPS,
		IdleEvict: cfg.RateLimit.IdleEvict,
	})
	hb := gateway.NewHeartbeatMonitor(reg, col, gateway.HeartbeatConf{
		Interval: cfg.Heartbeat.Interval, Timeout: cfg.Heartbeat.Timeout,
	})

	conns := buildConnectors(cfg)

	var rec gateway.Recommender
	if cfg.Server.RecommenderURL != "" {
		rec = recommend.NewClient(recommend.Conf{
			BaseURL: cfg.Server.RecommenderURL, Timeout: cfg.Server.RecommenderTTL,
		})
	}

	srv := gateway.NewServer(gateway.ServerConf{
		NodeID:        fmt.Sprintf("streamhub-%d", cfg.Server.NodeID),
		SendQueueSize: cfg.Server.SendQueueSize,
		DrainTimeout:  cfg.Server.ShutdownTimeout,
		Auth:          authOpts,
	}, reg, router, limiter, hb, col, conns, rec)

	// 5) 连接器接入 + 探活监督
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, c := range conns {
		c := c
		connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Health.ProbeTimeout)
		if err := c.Connect(connectCtx); err != nil {
			logger.Warnf("[main] initial connect %s failed: %v", c.Platform(), err)
		}
		connectCancel()
		safe.Go("pump-"+c.Platform(), func() { srv.PumpConnector(ctx, c) })
	}
	sup := health.NewSupervisor(health.Conf{
		Interval:     cfg.Health.Interval,
		ProbeTimeout: cfg.Health.ProbeTimeout,
		BackoffBase:  cfg.Health.BackoffBase,
		BackoffMax:   cfg.Health.BackoffMax,
	}, router, col, conns)
	safe.Go("health-supervisor", func() { sup.Run(ctx) })
	safe.Go("heartbeat-monitor", hb.Run)

	// 6) HTTP + WebSocket
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mid.Origin(cfg.Server.AllowedOrigins))
	r.GET("/ws", srv.HandleWS)
	adm := admin.NewHandler(admin.Conf{
		Auth: authOpts, DrainTimeout: cfg.Server.ShutdownTimeout,
	}, srv, col)
	if pres != nil {
		adm.SetPresence(pres)
	}
	adm.Mount(r)

	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	safe.Go("http-listen", func() {
		logger.Infof("[main] listening on %s", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	})

	// 7) 信号驱动排水下线
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("[main] shutting down")

	cancel() // 停探活与泵
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer drainCancel()
	srv.Drain(drainCtx)
	_ = httpSrv.Shutdown(drainCtx)
	logger.Sync()
	time.Sleep(100 * time.Millisecond)
}

func buildConnectors(cfg *config.Config) []gateway.Connector {
	var out []gateway.Connector
	for _, cc := range cfg.Connectors {
		switch cc.Kind {
		case "poll":
			out = append(out, connector.NewYouTube(connector.YouTubeConf{
				Platform:         cc.Platform,
				Endpoint:         cc.Endpoint,
				Credential:       cc.Credential,
				PollInterval:     cc.PollInterval,
				FailureThreshold: cfg.Health.FailureThreshold,
			}))
		default:
			out = append(out, connector.NewTwitch(connector.TwitchConf{
				Platform:         cc.Platform,
				Endpoint:         cc.Endpoint,
				Credential:       cc.Credential,
				FailureThreshold: cfg.Health.FailureThreshold,
			}))
		}
	}
	return out
}
