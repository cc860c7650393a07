// Package main 终端看板：订阅推送流并打印设备总览
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/dashboard"
	"github.com/xilian/equipment-stream/internal/logging"
	"github.com/xilian/equipment-stream/internal/model"
	"github.com/xilian/equipment-stream/internal/stream"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := dashboard.NewStore(cfg.Alert.Capacity)
	client := stream.NewClient(cfg.Subscriber.URL, cfg.Subscriber.Token, cfg.Subscriber.Reconnect, logger)

	var last model.Summary
	err = client.Run(ctx, store, func(ev model.StreamEvent) {
		switch ev.Type {
		case model.EventAlert:
			a := ev.Data.(model.Alert)
			logger.Warn("Alert",
				zap.String("equipment_id", a.EquipmentID),
				zap.String("severity", string(a.Severity)),
				zap.String("message", a.Message),
			)
		case model.EventConnectionStatus:
			cs := ev.Data.(model.ConnectionStatus)
			logger.Info("Upstream connection",
				zap.Bool("connected", cs.Connected),
				zap.Bool("degraded", cs.Degraded),
			)
		case model.EventHeartbeat:
			return
		}

		sum := store.Summary()
		if sum == last {
			return
		}
		last = sum
		logger.Info("Fleet summary",
			zap.Int("total", sum.TotalEquipment),
			zap.Int("operational", sum.Operational),
			zap.Int("maintenance", sum.Maintenance),
			zap.Int("error", sum.Error),
			zap.Int("offline", sum.Offline),
			zap.Float64("average_oee", sum.AverageOEE),
			zap.Int("active_alerts", sum.ActiveAlerts),
		)
	})

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Subscription ended", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Dashboard exited")
}
