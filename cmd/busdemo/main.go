// Command busdemo exercises the bus and store the way an embedded UI
// application would: background producers publish sensor readings and
// battery levels, an immediate-mode subscriber logs raw readings, and
// deferred subscribers plus a store watch run on the owner loop.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/signalbus/config"
	"github.com/coachpo/signalbus/internal/observability"
	"github.com/coachpo/signalbus/lib/loop"
	"github.com/coachpo/signalbus/lib/telemetry"
	"github.com/coachpo/signalbus/pkg/datastore"
	"github.com/coachpo/signalbus/pkg/msgbus"
)

const (
	topicSensorData  msgbus.Topic = 0x0001
	topicButtonPress msgbus.Topic = 0x0002

	keyBatteryLevel uint32 = 0x0003

	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	logger := observability.NewTextLogger(os.Stderr)
	observability.SetLogger(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", observability.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("init telemetry", observability.Field{Key: "error", Value: err})
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("shutdown telemetry", observability.Field{Key: "error", Value: err})
		}
	}()

	owner := loop.New(cfg.Loop)
	owner.Start()
	defer owner.Close()

	bus := msgbus.New()
	if err := bus.Init(cfg.Bus, owner); err != nil {
		logger.Error("init bus", observability.Field{Key: "error", Value: err})
		os.Exit(1)
	}
	defer bus.Close()

	store := datastore.New()
	if err := store.Init(cfg.Store, bus); err != nil {
		logger.Error("init store", observability.Field{Key: "error", Value: err})
		os.Exit(1)
	}
	defer store.Close()

	subs := msgbus.NewGroup(bus)
	defer subs.Close()

	// Immediate delivery: runs on the publisher goroutine, throttled to one
	// log line per second no matter how fast readings arrive.
	subs.Add(bus.Subscribe(topicSensorData, func(m msgbus.Message) {
		current := math.Float32frombits(binary.LittleEndian.Uint32(m.Data))
		logger.Info("sensor reading",
			observability.Field{Key: "current_ma", Value: current})
	}, msgbus.Immediate, time.Second))

	// Deferred delivery: runs on the owner loop, where a UI would redraw.
	subs.Add(bus.Subscribe(topicButtonPress, func(m msgbus.Message) {
		logger.Info("button press handled on owner loop",
			observability.Field{Key: "button", Value: m.Data[0]})
	}, msgbus.Deferred, 0))

	watchID := store.Watch(keyBatteryLevel, func(key uint32) {
		if pct, ok := store.GetInt32(key); ok {
			logger.Info("battery level changed",
				observability.Field{Key: "percent", Value: pct})
		}
	})
	defer store.Unwatch(watchID)

	var producers conc.WaitGroup
	producers.Go(func() { sensorProducer(ctx, bus) })
	producers.Go(func() { batteryProducer(ctx, store) })
	producers.Go(func() { buttonProducer(ctx, bus) })

	<-ctx.Done()
	logger.Info("shutting down")
	producers.Wait()
}

func sensorProducer(ctx context.Context, bus *msgbus.Bus) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var counter uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reading := 4.0 + float32(counter%160)*0.1
			var payload [4]byte
			binary.LittleEndian.PutUint32(payload[:], math.Float32bits(reading))
			bus.Publish(topicSensorData, payload[:])
			counter++
		}
	}
}

func batteryProducer(ctx context.Context, store *datastore.Store) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var counter int32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Identical consecutive levels are idempotent no-ops in the
			// store, so only actual changes reach the watcher.
			store.SetInt32(keyBatteryLevel, 100-counter%101)
			counter++
		}
	}
}

func buttonProducer(ctx context.Context, bus *msgbus.Bus) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	var button byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bus.Publish(topicButtonPress, []byte{button})
			button = (button + 1) % 4
		}
	}
}
