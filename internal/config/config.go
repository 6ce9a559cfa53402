package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Env         string
	HTTPPort    string
	DatabaseURL string
	JWTSecret   string
	JWTIssuer   string
	RateRPS     int

	// Fee schedule in basis points of the sale amount. The original product
	// shipped several divergent percentages; these are explicit inputs now.
	EscrowFeeBps      int64
	TransactionFeeBps int64

	// AutoAdvanceDelay is how long after creation the engine moves a
	// transaction to payment_pending on its own. Zero disables the
	// auto-advance; the caller then drives it via the status endpoint.
	AutoAdvanceDelay time.Duration

	// BotTypingDelay is the cosmetic delay before each bot message.
	BotTypingDelay time.Duration
}

func Load() Config {
	return Config{
		Env:               get("APP_ENV", "dev"),
		HTTPPort:          get("HTTP_PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		JWTSecret:         get("JWT_SECRET", "changeme-secret"),
		JWTIssuer:         get("JWT_ISSUER", "escrow-backend"),
		RateRPS:           getInt("RATE_RPS", 100),
		EscrowFeeBps:      getInt64("ESCROW_FEE_BPS", 300),
		TransactionFeeBps: getInt64("TRANSACTION_FEE_BPS", 700),
		AutoAdvanceDelay:  getDuration("AUTO_ADVANCE_DELAY", time.Second),
		BotTypingDelay:    getDuration("BOT_TYPING_DELAY", 2*time.Second),
	}
}

func get(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
