package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// parseEnv overlays configuration from the process environment. An optional
// .env file (path taken from ENV_FILE, default ".env") is loaded first; a
// missing file is fine.
func parseEnv(c *Config) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	c.DatabaseDSN = getEnv("DATABASE_DSN", c.DatabaseDSN)

	c.DepotDir = getEnv("DEPOT_DIR", c.DepotDir)
	c.DepotBaseURL = getEnv("DEPOT_BASE_URL", c.DepotBaseURL)
	c.DepotSigningKey = getEnv("DEPOT_SIGNING_KEY", c.DepotSigningKey)

	c.R2AccessKeyID = getEnv("R2_ACCESS_KEY_ID", c.R2AccessKeyID)
	c.R2SecretAccessKey = getEnv("R2_SECRET_ACCESS_KEY", c.R2SecretAccessKey)
	c.R2Endpoint = getEnv("R2_ENDPOINT", c.R2Endpoint)
	c.R2Bucket = getEnv("R2_BUCKET", c.R2Bucket)
	c.R2Region = getEnv("R2_REGION", c.R2Region)

	c.UploadTicketTTL = getEnvDuration("UPLOAD_TICKET_TTL", c.UploadTicketTTL)
	c.DownloadURLTTL = getEnvDuration("DOWNLOAD_URL_TTL", c.DownloadURLTTL)
	c.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.SweepInterval)

	if v, ok := os.LookupEnv("SWEEP_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SweepLimit = n
		}
	}
}

// getEnv returns the env value by key or the fallback.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
