// loads up the .env files to be used internally by Trophonius.

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// uses go package: godotenv to load up development enviroment variables
func LoadDevConfig() {
	err := godotenv.Load("config/dev.env")
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(-1)
	}
}

// Fetches an env variable, falls back to def if it's unset or empty.
func EnvOrDefault(key, def string) string {
	val := os.Getenv(key)
	if len(val) == 0 {
		return def
	}
	return val
}

// Fetches a duration type env variable (ex: "30s"), falls back to def if unset or unparsable.
func EnvDurationOrDefault(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if len(val) == 0 {
		return def
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return parsed
}
