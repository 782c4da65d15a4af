package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charging-platform/station-simulator/internal/cache"
	"github.com/charging-platform/station-simulator/internal/config"
	"github.com/charging-platform/station-simulator/internal/logger"
	"github.com/charging-platform/station-simulator/internal/message"
	"github.com/charging-platform/station-simulator/internal/ocpp"
	"github.com/charging-platform/station-simulator/internal/station"
	"github.com/charging-platform/station-simulator/internal/statistics"
	"github.com/charging-platform/station-simulator/internal/template"
)

func main() {
	configFile := flag.String("config", "config.yaml", "simulator configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Async:  cfg.Log.Async,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatalf("Simulator failed: %v", err)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher, err := buildPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	sink, err := buildStatisticsSink(cfg, log)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, log)
	}

	stations, stats, err := buildFleet(cfg, publisher, log)
	if err != nil {
		return err
	}
	if len(stations) == 0 {
		return fmt.Errorf("no stations configured")
	}

	log.Infof("Starting %d stations", len(stations))
	for _, s := range stations {
		if err := s.Start(ctx); err != nil {
			log.Errorf("Failed to start station %s: %v", s.ID(), err)
		}
	}

	var flushWg sync.WaitGroup
	if sink != nil && len(stats) > 0 {
		flushWg.Add(1)
		go func() {
			defer flushWg.Done()
			flushStatistics(ctx, cfg.Statistics.FlushInterval, stats, sink, log)
		}()
	}

	<-ctx.Done()
	log.Infof("Shutting down")

	for _, s := range stations {
		if err := s.Stop(); err != nil {
			log.Warnf("Failed to stop station %s: %v", s.ID(), err)
		}
	}
	flushWg.Wait()

	if sink != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		writeSnapshots(flushCtx, stats, sink, log)
	}

	log.Infof("All stations stopped")
	return nil
}

// buildFleet 按配置展开全部站点实例
func buildFleet(cfg *config.Config, publisher message.Publisher, log *logger.Logger) ([]*station.Station, []*statistics.Statistics, error) {
	// 模板解析结果按内容哈希共享
	templateCache := cache.NewLRUCache(&cache.CacheConfig{MaxSize: 64})
	reconciler := template.NewReconciler(templateCache, log)

	engineConfig := &ocpp.Config{
		RequestTimeout:      cfg.OCPP.RequestTimeout,
		BufferFlushInterval: cfg.OCPP.BufferFlushInterval,
	}

	var stations []*station.Station
	var stats []*statistics.Statistics
	instance := 0
	for _, entry := range cfg.Stations {
		for i := 0; i < entry.NumberOfStations; i++ {
			plan, err := reconciler.Reconcile(entry.TemplateFile, i)
			if err != nil {
				return nil, nil, fmt.Errorf("cannot reconcile template %s: %w", entry.TemplateFile, err)
			}

			opts := &station.Options{
				Publisher:    publisher,
				EngineConfig: engineConfig,
			}
			if len(plan.Info.SupervisionURLs) == 0 {
				opts.SupervisionURL = cfg.SupervisionURLs[instance%len(cfg.SupervisionURLs)]
			}
			if cfg.Statistics.Enabled && plan.Info.EnableStatistics {
				st := statistics.New(plan.Info.StationID)
				opts.Statistics = st
				stats = append(stats, st)
			}

			s, err := station.New(plan, opts, log)
			if err != nil {
				return nil, nil, err
			}
			stations = append(stations, s)
			instance++
		}
	}
	return stations, stats, nil
}

func buildPublisher(cfg *config.Config, log *logger.Logger) (message.Publisher, error) {
	if !cfg.Kafka.Enabled {
		return message.NoopPublisher{}, nil
	}
	return message.NewKafkaPublisher(&message.KafkaConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	}, log)
}

func buildStatisticsSink(cfg *config.Config, log *logger.Logger) (statistics.Sink, error) {
	if !cfg.Statistics.Enabled {
		return nil, nil
	}

	switch cfg.Statistics.SinkType {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return statistics.NewRedisSink(client, "", 24*time.Hour), nil
	case "file", "":
		return statistics.NewFileSink(cfg.Statistics.FileDir)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown statistics sink type %q", cfg.Statistics.SinkType)
	}
}

// flushStatistics 周期性写出统计快照
func flushStatistics(ctx context.Context, interval time.Duration, stats []*statistics.Statistics, sink statistics.Sink, log *logger.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeSnapshots(ctx, stats, sink, log)
		}
	}
}

func writeSnapshots(ctx context.Context, stats []*statistics.Statistics, sink statistics.Sink, log *logger.Logger) {
	for _, st := range stats {
		snapshot := st.Snapshot()
		if len(snapshot) == 0 {
			continue
		}
		if err := sink.Write(ctx, st.StationID(), snapshot); err != nil {
			log.Warnf("Failed to write statistics for %s: %v", st.StationID(), err)
		}
	}
}

func serveMetrics(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("Metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Metrics server failed: %v", err)
	}
}
