package config

import (
	"os"
	"strconv"
	"time"
)

// Config is read once from the environment at startup.
type Config struct {
	HTTPPort  string
	MySQLDSN  string
	RedisAddr string

	GatewayBaseURL        string
	GatewayConsumerKey    string
	GatewayConsumerSecret string
	GatewayShortCode      string
	GatewayPasskey        string
	GatewayCallbackURL    string
	GatewayTimeout        time.Duration

	DriverPayEnabled bool
	DriverPayAmount  float64
	FeeRoundEpsilon  float64

	SweepInterval time.Duration
	SweepWindow   time.Duration

	CallbackQueueSize int
	CallbackWorkers   int
	NotifyTopic       string
}

func Load() Config {
	return Config{
		HTTPPort:  getString("HTTP_PORT", ":8080"),
		MySQLDSN:  getString("MYSQL_DSN", "root:root@tcp(localhost:3306)/sokopay?parseTime=true"),
		RedisAddr: getString("REDIS_ADDR", "localhost:6379"),

		GatewayBaseURL:        getString("DARAJA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		GatewayConsumerKey:    getString("DARAJA_CONSUMER_KEY", ""),
		GatewayConsumerSecret: getString("DARAJA_CONSUMER_SECRET", ""),
		GatewayShortCode:      getString("DARAJA_SHORT_CODE", ""),
		GatewayPasskey:        getString("DARAJA_PASSKEY", ""),
		GatewayCallbackURL:    getString("DARAJA_CALLBACK_URL", ""),
		GatewayTimeout:        getDuration("DARAJA_TIMEOUT", 15*time.Second),

		DriverPayEnabled: getBool("DRIVER_PAY_ENABLED", true),
		DriverPayAmount:  getFloat("DRIVER_PAY_AMOUNT", 50),
		// Absorbs sub-cent residue left by upstream float arithmetic.
		FeeRoundEpsilon: getFloat("FEE_ROUND_EPSILON", 0.009),

		SweepInterval: getDuration("SWEEP_INTERVAL", 5*time.Minute),
		SweepWindow:   getDuration("SWEEP_WINDOW", 30*time.Minute),

		CallbackQueueSize: getInt("CALLBACK_QUEUE_SIZE", 1000),
		CallbackWorkers:   getInt("CALLBACK_WORKERS", 4),
		NotifyTopic:       getString("NOTIFY_TOPIC", "payments.events"),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
