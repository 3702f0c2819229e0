package config

import (
	"encoding/json"
	"os"

	"github.com/avolkov/filedepot/internal/flagx"
	"github.com/avolkov/filedepot/internal/timex"
)

// JSONConfig is an intermediate DTO used only for reading JSON configuration
// files. Interval fields use timex.Duration, which accepts both strings such
// as "15m" and integer nanoseconds. Empty fields leave the current value
// untouched, so a JSON file may override just a subset.
type JSONConfig struct {
	DatabaseDSN string `json:"database_dsn"`

	DepotDir        string `json:"depot_dir"`
	DepotBaseURL    string `json:"depot_base_url"`
	DepotSigningKey string `json:"depot_signing_key"`

	R2AccessKeyID     string `json:"r2_access_key_id"`
	R2SecretAccessKey string `json:"r2_secret_access_key"`
	R2Endpoint        string `json:"r2_endpoint"`
	R2Bucket          string `json:"r2_bucket"`
	R2Region          string `json:"r2_region"`

	UploadTicketTTL timex.Duration `json:"upload_ticket_ttl"`
	DownloadURLTTL  timex.Duration `json:"download_url_ttl"`
	SweepInterval   timex.Duration `json:"sweep_interval"`
	SweepLimit      int            `json:"sweep_limit"`
}

// parseJSON loads configuration values from a JSON file into the provided
// Config instance. The file path is taken from the -c or -config flags; when
// neither is set, no JSON file is loaded. An unreadable or malformed file
// panics: a config file that exists but cannot be used is a startup error.
func parseJSON(config *Config) {
	jsonConfigFile := flagx.JSONConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JSONConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setIfNotEmpty(&config.DatabaseDSN, c.DatabaseDSN)
	setIfNotEmpty(&config.DepotDir, c.DepotDir)
	setIfNotEmpty(&config.DepotBaseURL, c.DepotBaseURL)
	setIfNotEmpty(&config.DepotSigningKey, c.DepotSigningKey)
	setIfNotEmpty(&config.R2AccessKeyID, c.R2AccessKeyID)
	setIfNotEmpty(&config.R2SecretAccessKey, c.R2SecretAccessKey)
	setIfNotEmpty(&config.R2Endpoint, c.R2Endpoint)
	setIfNotEmpty(&config.R2Bucket, c.R2Bucket)
	setIfNotEmpty(&config.R2Region, c.R2Region)

	if c.UploadTicketTTL.Duration != 0 {
		config.UploadTicketTTL = c.UploadTicketTTL.Duration
	}
	if c.DownloadURLTTL.Duration != 0 {
		config.DownloadURLTTL = c.DownloadURLTTL.Duration
	}
	if c.SweepInterval.Duration != 0 {
		config.SweepInterval = c.SweepInterval.Duration
	}
	if c.SweepLimit > 0 {
		config.SweepLimit = c.SweepLimit
	}
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
