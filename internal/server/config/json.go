package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/driveback/internal/flagx"
	"github.com/dmitrijs2005/driveback/internal/timex"
)

// JsonConfig is an intermediate DTO used only for reading JSON configuration
// files. Interval fields use timex.Duration, which parses both string values
// such as "10s" and integer nanoseconds. After unmarshalling, non-zero fields
// are copied into the runtime Config.
type JsonConfig struct {
	EndpointAddrHTTP        string         `json:"endpoint_addr_http"`
	DatabaseDSN             string         `json:"database_dsn"`
	SecretKey               string         `json:"secret_key"`
	SessionValidityDuration timex.Duration `json:"session_validity_duration"`

	StoragePath string `json:"storage_path"`
	HostAPIPath string `json:"host_api_path"`

	StorageDriver  string `json:"storage_driver"`
	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	AuthorityBaseURL string `json:"authority_base_url"`
	FileGatewayURL   string `json:"file_gateway_url"`

	QuotaPerOwnerGB int64 `json:"quota_per_owner_gb"`
	MaxFilesPerApp  int64 `json:"max_files_per_app"`

	MaxConcurrentTasks int            `json:"max_concurrent_tasks"`
	RefillInterval     timex.Duration `json:"refill_interval"`
	StaleTaskThreshold timex.Duration `json:"stale_task_threshold"`

	ReaperInterval    timex.Duration `json:"reaper_interval"`
	ExpiryGraceBlocks int64          `json:"expiry_grace_blocks"`
	ReaperBatchLimit  int            `json:"reaper_batch_limit"`
}

func overlayString(target *string, v string) {
	if v != "" {
		*target = v
	}
}

func overlayInt64(target *int64, v int64) {
	if v != 0 {
		*target = v
	}
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c/-config command-line
// flags; when neither is set, no JSON file is loaded. An unreadable or
// invalid file panics, since running with half-applied config is worse than
// not starting.
func parseJson(config *Config) {

	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	overlayString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	overlayString(&config.DatabaseDSN, c.DatabaseDSN)
	overlayString(&config.SecretKey, c.SecretKey)
	if c.SessionValidityDuration.Duration != 0 {
		config.SessionValidityDuration = c.SessionValidityDuration.Duration
	}

	overlayString(&config.StoragePath, c.StoragePath)
	overlayString(&config.HostAPIPath, c.HostAPIPath)

	overlayString(&config.StorageDriver, c.StorageDriver)
	overlayString(&config.S3RootUser, c.S3RootUser)
	overlayString(&config.S3RootPassword, c.S3RootPassword)
	overlayString(&config.S3Bucket, c.S3Bucket)
	overlayString(&config.S3Region, c.S3Region)
	overlayString(&config.S3BaseEndpoint, c.S3BaseEndpoint)

	overlayString(&config.AuthorityBaseURL, c.AuthorityBaseURL)
	overlayString(&config.FileGatewayURL, c.FileGatewayURL)

	overlayInt64(&config.QuotaPerOwnerGB, c.QuotaPerOwnerGB)
	overlayInt64(&config.MaxFilesPerApp, c.MaxFilesPerApp)

	if c.MaxConcurrentTasks != 0 {
		config.MaxConcurrentTasks = c.MaxConcurrentTasks
	}
	if c.RefillInterval.Duration != 0 {
		config.RefillInterval = c.RefillInterval.Duration
	}
	if c.StaleTaskThreshold.Duration != 0 {
		config.StaleTaskThreshold = c.StaleTaskThreshold.Duration
	}

	if c.ReaperInterval.Duration != 0 {
		config.ReaperInterval = c.ReaperInterval.Duration
	}
	overlayInt64(&config.ExpiryGraceBlocks, c.ExpiryGraceBlocks)
	if c.ReaperBatchLimit != 0 {
		config.ReaperBatchLimit = c.ReaperBatchLimit
	}
}
