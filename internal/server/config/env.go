package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

func getEnvString(key string, target *string) {
	if val, ok := os.LookupEnv(key); ok {
		*target = val
	}
}

func getEnvInt64(key string, target *int64) {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			*target = i
		}
	}
}

func getEnvInt(key string, target *int) {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			*target = i
		}
	}
}

func getEnvDuration(key string, target *time.Duration) {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			*target = d
		}
	}
}

// parseEnv overlays configuration from environment variables. A .env file in
// the working directory seeds the environment first; a missing file is fine.
func parseEnv(config *Config) {
	_ = godotenv.Load()

	getEnvString("DRIVEBACK_ADDR", &config.EndpointAddrHTTP)
	getEnvString("DRIVEBACK_DATABASE_DSN", &config.DatabaseDSN)
	getEnvString("DRIVEBACK_SECRET_KEY", &config.SecretKey)
	getEnvDuration("DRIVEBACK_SESSION_VALIDITY", &config.SessionValidityDuration)

	getEnvString("DRIVEBACK_STORAGE_PATH", &config.StoragePath)
	getEnvString("DRIVEBACK_HOST_API_PATH", &config.HostAPIPath)

	getEnvString("DRIVEBACK_STORAGE_DRIVER", &config.StorageDriver)
	getEnvString("DRIVEBACK_S3_ROOT_USER", &config.S3RootUser)
	getEnvString("DRIVEBACK_S3_ROOT_PASSWORD", &config.S3RootPassword)
	getEnvString("DRIVEBACK_S3_BUCKET", &config.S3Bucket)
	getEnvString("DRIVEBACK_S3_REGION", &config.S3Region)
	getEnvString("DRIVEBACK_S3_BASE_ENDPOINT", &config.S3BaseEndpoint)

	getEnvString("HCP_ENDPOINT_URL", &config.HCPEndpointURL)
	getEnvString("HCP_CLIENT_ID", &config.HCPClientID)
	getEnvString("HCP_CLIENT_SECRET", &config.HCPClientSecret)
	getEnvString("HCP_ORG_ID", &config.HCPOrgID)
	getEnvString("HCP_PROJECT_ID", &config.HCPProjectID)
	getEnvString("HCP_APP_ID", &config.HCPAppID)

	getEnvString("DRIVEBACK_AUTHORITY_URL", &config.AuthorityBaseURL)
	getEnvString("DRIVEBACK_FILE_GATEWAY_URL", &config.FileGatewayURL)

	getEnvInt64("DRIVEBACK_QUOTA_PER_OWNER_GB", &config.QuotaPerOwnerGB)
	getEnvInt64("DRIVEBACK_MAX_FILES_PER_APP", &config.MaxFilesPerApp)

	getEnvInt("DRIVEBACK_MAX_CONCURRENT_TASKS", &config.MaxConcurrentTasks)
	getEnvDuration("DRIVEBACK_REFILL_INTERVAL", &config.RefillInterval)
	getEnvDuration("DRIVEBACK_STALE_TASK_THRESHOLD", &config.StaleTaskThreshold)

	getEnvDuration("DRIVEBACK_REAPER_INTERVAL", &config.ReaperInterval)
	getEnvInt64("DRIVEBACK_EXPIRY_GRACE_BLOCKS", &config.ExpiryGraceBlocks)
	getEnvInt("DRIVEBACK_REAPER_BATCH_LIMIT", &config.ReaperBatchLimit)
}
