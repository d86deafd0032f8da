package config

import (
	"os"
	"strconv"
)

// Env override helpers. Unlike defaults-based lookups these report whether
// the variable was set at all, because an explicit zero is meaningful here
// (daily_spend_limit=0 rejects every call).

func envFloat(key string) (float64, bool) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

func envInt(key string) (int, bool) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i, true
		}
	}
	return 0, false
}

func envBool(key string) (bool, bool) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b, true
		}
	}
	return false, false
}
