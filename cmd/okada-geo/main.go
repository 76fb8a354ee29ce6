// README: Location ingest worker; consumes driver GPS messages from
// Kafka and maintains the Redis geo index drivers are matched from.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"okada/internal/config"
	"okada/internal/geo"
	"okada/internal/infra"
	"okada/internal/logging"
	"okada/internal/types"
)

var (
	consumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "okada", Name: "geo_messages_consumed_total",
		Help: "Driver location messages consumed",
	})
	invalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "okada", Name: "geo_messages_invalid_total",
		Help: "Location messages dropped as undecodable or out of range",
	})
	indexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "okada", Name: "geo_index_updates_total",
		Help: "Successful geo index updates",
	})
	indexErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "okada", Name: "geo_index_errors_total",
		Help: "Geo index updates that failed after retries",
	})
)

// locationMessage is the wire form the driver app's gateway publishes.
type locationMessage struct {
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address for metrics and health endpoints")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log = log.Named("okada-geo")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer func() { _ = redisClient.Close() }()
	index := geo.NewRedisIndex(redisClient)

	reader := infra.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.LocationTopic)
	defer func() { _ = reader.Close() }()

	ready := func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	go serveMetrics(metricsAddr, ready, log)

	log.Info("consuming driver locations",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.LocationTopic),
		zap.String("group", cfg.Kafka.GroupID),
	)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down")
				return
			}
			log.Warn("kafka read failed", zap.Error(err), zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		consumed.Inc()

		var loc locationMessage
		if err := json.Unmarshal(msg.Value, &loc); err != nil {
			invalid.Inc()
			log.Warn("undecodable location message", zap.Error(err))
			continue
		}
		pos := types.Point{Lat: loc.Lat, Lng: loc.Lng}
		if loc.DriverID == "" || pos.Validate() != nil {
			invalid.Inc()
			continue
		}
		if err := updateWithRetry(ctx, index, types.ID(loc.DriverID), pos); err != nil {
			indexErrors.Inc()
			log.Warn("geo index update failed", zap.String("driver_id", loc.DriverID), zap.Error(err))
			continue
		}
		indexed.Inc()
	}
}

// updateWithRetry absorbs transient Redis hiccups so one blip does not
// drop a driver off the map.
func updateWithRetry(ctx context.Context, index geo.Index, driverID types.ID, pos types.Point) error {
	const attempts = 3
	delay := 200 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = index.UpdateLocation(ctx, driverID, pos); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

func serveMetrics(addr string, ready func(context.Context) error, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	log.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}
