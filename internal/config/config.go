// README: Config loader with env defaults for HTTP, DB, Redis, Kafka, and dispatch settings.
package config

import (
	"os"
	"strconv"
	"time"
)

// DispatchConfig holds the offer-protocol tunables. These are policy
// values, not hard rules; every one of them can be overridden per
// deployment.
type DispatchConfig struct {
	OfferTimeout   time.Duration
	MaxRejections  int
	SearchTTL      time.Duration
	GraceWindow    time.Duration
	SearchRadiusKm float64
	CandidateLimit int
	SweepInterval  time.Duration
	IdempotencyTTL time.Duration
}

type LoyaltyConfig struct {
	Threshold      int
	RewardValidity time.Duration
	PayoutCap      int64 // kobo
	SweepInterval  time.Duration
}

type ReferralConfig struct {
	RewardAmount  int64 // kobo
	RequiredRides int
}

type Config struct {
	Env  string
	HTTP struct {
		Addr string
	}
	DB struct {
		DSN string
	}
	Redis struct {
		Addr string
	}
	Kafka struct {
		Brokers       []string
		EventTopic    string
		LocationTopic string
		GroupID       string
	}
	Maps struct {
		APIKey string
	}
	Firebase struct {
		ProjectID       string
		CredentialsFile string
	}
	Dispatch DispatchConfig
	Loyalty  LoyaltyConfig
	Referral ReferralConfig
}

func Load() (Config, error) {
	var cfg Config
	cfg.Env = envOrDefault("OKADA_ENV", "dev")
	cfg.HTTP.Addr = envOrDefault("OKADA_HTTP_ADDR", ":8080")
	cfg.DB.DSN = os.Getenv("OKADA_DB_DSN")
	cfg.Redis.Addr = envOrDefault("OKADA_REDIS_ADDR", "localhost:6379")
	cfg.Kafka.Brokers = []string{envOrDefault("OKADA_KAFKA_BROKER", "localhost:9092")}
	cfg.Kafka.EventTopic = envOrDefault("OKADA_KAFKA_EVENT_TOPIC", "okada.platform.events")
	cfg.Kafka.LocationTopic = envOrDefault("OKADA_KAFKA_LOCATION_TOPIC", "okada.driver.locations")
	cfg.Kafka.GroupID = envOrDefault("OKADA_KAFKA_GROUP_ID", "okada-geo")
	cfg.Maps.APIKey = os.Getenv("OKADA_MAPS_API_KEY")
	cfg.Firebase.ProjectID = os.Getenv("OKADA_FIREBASE_PROJECT_ID")
	cfg.Firebase.CredentialsFile = os.Getenv("OKADA_FIREBASE_CREDENTIALS")

	cfg.Dispatch.OfferTimeout = envOrDefaultDuration("OKADA_OFFER_TIMEOUT", 20*time.Second)
	cfg.Dispatch.MaxRejections = envOrDefaultInt("OKADA_MAX_REJECTIONS", 5)
	cfg.Dispatch.SearchTTL = envOrDefaultDuration("OKADA_SEARCH_TTL", 5*time.Minute)
	cfg.Dispatch.GraceWindow = envOrDefaultDuration("OKADA_GRACE_WINDOW", 10*time.Minute)
	cfg.Dispatch.SearchRadiusKm = envOrDefaultFloat("OKADA_SEARCH_RADIUS_KM", 5.0)
	cfg.Dispatch.CandidateLimit = envOrDefaultInt("OKADA_CANDIDATE_LIMIT", 10)
	cfg.Dispatch.SweepInterval = envOrDefaultDuration("OKADA_SWEEP_INTERVAL", time.Minute)
	cfg.Dispatch.IdempotencyTTL = envOrDefaultDuration("OKADA_IDEMPOTENCY_TTL", 24*time.Hour)

	cfg.Loyalty.Threshold = envOrDefaultInt("OKADA_LOYALTY_THRESHOLD", 5)
	cfg.Loyalty.RewardValidity = envOrDefaultDuration("OKADA_LOYALTY_VALIDITY", 30*24*time.Hour)
	cfg.Loyalty.PayoutCap = envOrDefaultInt64("OKADA_FREE_RIDE_CAP_KOBO", 500000)
	cfg.Loyalty.SweepInterval = envOrDefaultDuration("OKADA_LOYALTY_SWEEP_INTERVAL", time.Hour)

	cfg.Referral.RewardAmount = envOrDefaultInt64("OKADA_REFERRAL_REWARD_KOBO", 50000)
	cfg.Referral.RequiredRides = envOrDefaultInt("OKADA_REFERRAL_REQUIRED_RIDES", 1)
	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
