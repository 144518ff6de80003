package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/driveback/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":7071")
//	-d string   PostgreSQL DSN
//	-s string   HMAC secret for session tokens
//	-w string   storage driver ("fluxdrive" or "s3")
//	-p string   local staging path
//	-q int      per-owner quota, GiB
//	-f int      max files per app
//	-m int      max concurrent tasks
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-s", "-w", "-p", "-q", "-f", "-m"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.StorageDriver, "w", config.StorageDriver, "storage driver (fluxdrive|s3)")
	fs.StringVar(&config.StoragePath, "p", config.StoragePath, "local staging path")

	fs.Int64Var(&config.QuotaPerOwnerGB, "q", config.QuotaPerOwnerGB, "per-owner quota (GiB)")
	fs.Int64Var(&config.MaxFilesPerApp, "f", config.MaxFilesPerApp, "max files per app")
	fs.IntVar(&config.MaxConcurrentTasks, "m", config.MaxConcurrentTasks, "max concurrent tasks")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
