package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from defaults, an optional config file named by CONFIG_FILE,
// and environment variables, in increasing priority.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaRideTopic     string
	KafkaLocationTopic string

	PGDSN         string
	RunMigrations bool

	JWTSecret string
	JWTTTL    time.Duration

	GoogleMapsAPIKey string
	ORSAPIKey        string
	ORSURL           string
	NominatimURL     string
	OSRMURL          string
	ProviderTimeout  time.Duration
	RouteCacheTTL    time.Duration

	FareTimeout          time.Duration
	DiscoveryRadiusKm    float64
	DiscoveryMaxCaptains int
	OtpLength            int
	OtpMaxAttempts       int

	LogLevel string
}

// ConsumerConfig is the configuration of the ride status projector.
type ConsumerConfig struct {
	MetricsAddr    string
	KafkaBrokers   []string
	KafkaRideTopic string
	KafkaGroup     string
	RedisAddr      string
	RedisPassword  string
	StatusTTL      time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
	LogLevel       string
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", 5*time.Second)
	v.SetDefault("HTTP_WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_IDLE_TIMEOUT", 120*time.Second)
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_GEO_KEY", "captains_geo")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_RIDE_TOPIC", "ride-events")
	v.SetDefault("KAFKA_LOCATION_TOPIC", "captain-locations")
	v.SetDefault("PG_DSN", "")
	v.SetDefault("MIGRATE", false)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_TTL", 24*time.Hour)
	v.SetDefault("GOOGLE_MAPS_API_KEY", "")
	v.SetDefault("ORS_API_KEY", "")
	v.SetDefault("ORS_URL", "https://api.openrouteservice.org/v2/directions/driving-car")
	v.SetDefault("NOMINATIM_URL", "https://nominatim.openstreetmap.org")
	v.SetDefault("OSRM_URL", "")
	v.SetDefault("PROVIDER_TIMEOUT", 3*time.Second)
	v.SetDefault("ROUTE_CACHE_TTL", 10*time.Minute)
	v.SetDefault("FARE_TIMEOUT", 5*time.Second)
	v.SetDefault("DISCOVERY_RADIUS_KM", 2.0)
	v.SetDefault("DISCOVERY_MAX_CAPTAINS", 20)
	v.SetDefault("OTP_LENGTH", 6)
	v.SetDefault("OTP_MAX_ATTEMPTS", 5)
	v.SetDefault("LOG_LEVEL", "info")
}

func consumerDefaults(v *viper.Viper) {
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_RIDE_TOPIC", "ride-events")
	v.SetDefault("KAFKA_GROUP", "ride-status-projector")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("RIDE_STATUS_TTL", 24*time.Hour)
	v.SetDefault("REDIS_RETRY_ATTEMPTS", 3)
	v.SetDefault("REDIS_RETRY_DELAY", 200*time.Millisecond)
	v.SetDefault("LOG_LEVEL", "info")
}

// newViper reads defaults, then CONFIG_FILE if set, then the environment.
func newViper(defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	if file := strings.TrimSpace(v.GetString("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return v, nil
}

func LoadServerConfig() (ServerConfig, error) {
	v, err := newViper(serverDefaults)
	if err != nil {
		return ServerConfig{}, err
	}
	var errs []error

	cfg := ServerConfig{
		HTTPAddr:        v.GetString("HTTP_ADDR"),
		ReadTimeout:     getDuration(v, "HTTP_READ_TIMEOUT", &errs),
		WriteTimeout:    getDuration(v, "HTTP_WRITE_TIMEOUT", &errs),
		IdleTimeout:     getDuration(v, "HTTP_IDLE_TIMEOUT", &errs),
		ShutdownTimeout: getDuration(v, "HTTP_SHUTDOWN_TIMEOUT", &errs),

		RedisAddr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:   v.GetString("REDIS_GEO_KEY"),

		KafkaBrokers:       splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaRideTopic:     v.GetString("KAFKA_RIDE_TOPIC"),
		KafkaLocationTopic: v.GetString("KAFKA_LOCATION_TOPIC"),

		PGDSN:         strings.TrimSpace(v.GetString("PG_DSN")),
		RunMigrations: v.GetBool("MIGRATE"),

		JWTSecret: v.GetString("JWT_SECRET"),
		JWTTTL:    getDuration(v, "JWT_TTL", &errs),

		GoogleMapsAPIKey: strings.TrimSpace(v.GetString("GOOGLE_MAPS_API_KEY")),
		ORSAPIKey:        strings.TrimSpace(v.GetString("ORS_API_KEY")),
		ORSURL:           v.GetString("ORS_URL"),
		NominatimURL:     strings.TrimSpace(v.GetString("NOMINATIM_URL")),
		OSRMURL:          strings.TrimSpace(v.GetString("OSRM_URL")),
		ProviderTimeout:  getDuration(v, "PROVIDER_TIMEOUT", &errs),
		RouteCacheTTL:    getDuration(v, "ROUTE_CACHE_TTL", &errs),

		FareTimeout:          getDuration(v, "FARE_TIMEOUT", &errs),
		DiscoveryRadiusKm:    getFloat(v, "DISCOVERY_RADIUS_KM", &errs),
		DiscoveryMaxCaptains: getInt(v, "DISCOVERY_MAX_CAPTAINS", &errs),
		OtpLength:            getInt(v, "OTP_LENGTH", &errs),
		OtpMaxAttempts:       getInt(v, "OTP_MAX_ATTEMPTS", &errs),

		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
	}

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.DiscoveryRadiusKm <= 0 {
		errs = append(errs, errors.New("DISCOVERY_RADIUS_KM must be > 0"))
	}
	if cfg.DiscoveryMaxCaptains < 0 {
		errs = append(errs, errors.New("DISCOVERY_MAX_CAPTAINS must be >= 0"))
	}
	if cfg.OtpLength < 4 || cfg.OtpLength > 10 {
		errs = append(errs, errors.New("OTP_LENGTH must be between 4 and 10"))
	}
	if cfg.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v, err := newViper(consumerDefaults)
	if err != nil {
		return ConsumerConfig{}, err
	}
	var errs []error

	cfg := ConsumerConfig{
		MetricsAddr:    v.GetString("METRICS_ADDR"),
		KafkaBrokers:   splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaRideTopic: v.GetString("KAFKA_RIDE_TOPIC"),
		KafkaGroup:     v.GetString("KAFKA_GROUP"),
		RedisAddr:      strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:  v.GetString("REDIS_PASSWORD"),
		StatusTTL:      getDuration(v, "RIDE_STATUS_TTL", &errs),
		RetryAttempts:  getInt(v, "REDIS_RETRY_ATTEMPTS", &errs),
		RetryDelay:     getDuration(v, "REDIS_RETRY_DELAY", &errs),
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, errors.New("REDIS_RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// The getters below surface malformed values instead of silently using zero,
// which viper's GetX helpers would do.

func getDuration(v *viper.Viper, key string, errs *[]error) time.Duration {
	switch raw := v.Get(key).(type) {
	case time.Duration:
		return raw
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return 0
		}
		return d
	default:
		return v.GetDuration(key)
	}
}

func getInt(v *viper.Viper, key string, errs *[]error) int {
	if s, ok := v.Get(key).(string); ok {
		i, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return 0
		}
		return i
	}
	return v.GetInt(key)
}

func getFloat(v *viper.Viper, key string, errs *[]error) float64 {
	if s, ok := v.Get(key).(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return 0
		}
		return f
	}
	return v.GetFloat64(key)
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
