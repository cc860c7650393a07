// Package main 服务入口
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/xilian/equipment-stream/internal/aggregate"
	"github.com/xilian/equipment-stream/internal/auth"
	"github.com/xilian/equipment-stream/internal/bus"
	"github.com/xilian/equipment-stream/internal/catalog"
	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/dashboard"
	"github.com/xilian/equipment-stream/internal/handler"
	"github.com/xilian/equipment-stream/internal/logging"
	"github.com/xilian/equipment-stream/internal/metrics"
	"github.com/xilian/equipment-stream/internal/middleware"
	"github.com/xilian/equipment-stream/internal/model"
	"github.com/xilian/equipment-stream/internal/oee"
	"github.com/xilian/equipment-stream/internal/protocol"
	"github.com/xilian/equipment-stream/internal/service"
	"github.com/xilian/equipment-stream/internal/stream"
	"go.uber.org/zap"
)

const (
	modeSimulate = "simulate"
	modeLive     = "live"
)

func main() {
	// 加载配置
	cfg := config.Load()

	// 初始化日志
	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("Starting equipment-stream service...")
	logger.Info("Configuration loaded",
		zap.String("stream_mode", cfg.Stream.Mode),
		zap.Duration("data_interval", cfg.Stream.DataInterval),
		zap.Duration("heartbeat_interval", cfg.Stream.HeartbeatInterval),
		zap.Bool("mqtt_enabled", cfg.MQTT.Enabled),
		zap.Bool("opcua_enabled", cfg.OPCUA.Enabled),
		zap.Bool("kafka_enabled", cfg.Kafka.Enabled),
		zap.String("catalog_source", cfg.Catalog.Source),
	)
	if cfg.Stream.Mode != modeSimulate && cfg.Stream.Mode != modeLive {
		logger.Fatal("Unknown stream mode", zap.String("mode", cfg.Stream.Mode))
	}

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// 设备目录与初始状态
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat, err := catalog.Load(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to load equipment catalog", zap.Error(err))
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	store := dashboard.NewStore(cfg.Alert.Capacity)
	store.Seed(service.NewFleet(cat, oee.NewSimulator(rng), time.Now()))
	logger.Info("Equipment catalog loaded", zap.Int("equipment", cat.Len()))

	// 协议客户端
	clients, bindings := buildClients(cfg, cat, logger, m)
	sensors := service.NewSensorService(cat, logger, m, clients...)
	sensors.SetNodeMap(bindings)

	// 推送流
	factory := stream.NewSimulatedFactory(cfg.Stream.OEEProbability, cfg.Stream.AlertProbability, nil, store.RecordAlert)
	if cfg.Stream.Mode == modeLive {
		factory = stream.NewRoundRobinFactory(store)
	}
	broadcaster := stream.NewBroadcaster(
		stream.OptionsFrom(cfg.Stream),
		stream.NewSource(store, sensors.GetConnectionStatus),
		factory, logger, m,
	)
	feed := stream.NewLiveFeed(store, broadcaster, rand.New(rand.NewSource(rng.Int63())), logger, m)
	sensors.OnStatusChange(feed.HandleStatus)
	if cfg.Stream.Mode == modeLive {
		sensors.OnReading(feed.HandleReading)
	}

	// 传感器窗口统计
	aggregates := aggregate.New(cfg.Aggregate, logger)
	sensors.OnReading(aggregates.Add)
	go aggregates.Run(ctx)

	// 读数转发
	var forwarder *bus.Forwarder
	if cfg.Kafka.Enabled {
		forwarder = bus.NewForwarder(bus.OptionsFrom(cfg.Kafka), bus.NewKafkaProducer(cfg.Kafka), logger)
		forwarder.Start()
		sensors.OnReading(func(equipmentID string, reading model.SensorReading) {
			forwarder.Forward(equipmentID, reading)
		})
	}

	go func() {
		if err := sensors.Start(ctx); err != nil {
			logger.Warn("Some protocol clients are not connected", zap.Error(err))
		}
	}()

	// 鉴权
	verifier := auth.NewVerifier(cfg.Auth)
	if !verifier.Configured() {
		logger.Fatal("AUTH_JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	if !verifier.Enabled() {
		logger.Warn("Authentication disabled by AUTH_DISABLED, all requests are anonymous")
	}

	// 创建 Gin 引擎
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.RequestIDMiddleware(),
		middleware.CORSMiddleware(),
		middleware.LoggingMiddleware(logger, 500*time.Millisecond),
		middleware.MetricsMiddleware(m),
	)

	h := handler.NewHandler(handler.Deps{
		Store:       store,
		Broadcaster: broadcaster,
		Sensors:     sensors,
		Aggregates:  aggregates,
		Verifier:    verifier,
		Gatherer:    reg,
		Logger:      logger,
		Mode:        cfg.Stream.Mode,
	})
	h.RegisterRoutes(r, cfg.Server)

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 启动服务器
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// 先关闭推送流，长连接才能退出
	broadcaster.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	cancel()
	if err := sensors.Stop(shutdownCtx); err != nil {
		logger.Warn("Protocol clients did not stop cleanly", zap.Error(err))
	}
	if forwarder != nil {
		forwarder.Stop()
	}
	logger.Info("Server exited")
}

// buildClients 按配置创建协议客户端，OPC-UA 需要节点映射
func buildClients(cfg *config.Config, cat *catalog.Catalog, logger *zap.Logger, m *metrics.Metrics) ([]protocol.Client, []catalog.NodeBinding) {
	var clients []protocol.Client
	var bindings []catalog.NodeBinding

	if cfg.MQTT.Enabled {
		clients = append(clients, protocol.NewMQTTClient("mqtt", cfg.MQTT, logger, m))
	}

	if cfg.OPCUA.Enabled {
		var err error
		bindings, err = catalog.LoadNodeMap(cfg.OPCUA.NodeMapFile, cat)
		if err != nil {
			logger.Fatal("Failed to load OPC-UA node map", zap.String("file", cfg.OPCUA.NodeMapFile), zap.Error(err))
		}
		nodeIDs := make([]string, 0, len(bindings))
		for _, b := range bindings {
			nodeIDs = append(nodeIDs, b.NodeID)
		}
		uaClient := protocol.NewOPCUAClient("opcua", cfg.OPCUA, logger, m)
		if err := uaClient.Watch(nodeIDs...); err != nil {
			logger.Fatal("Invalid OPC-UA node id", zap.Error(err))
		}
		clients = append(clients, uaClient)
	}

	return clients, bindings
}
