package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFlags_OverridesSelectedFields(t *testing.T) {
	withArgs(t, "-a", ":7777", "-w", "s3", "-q", "15", "-m", "4", "-x", "ignored")

	var c Config
	c.LoadDefaults()
	parseFlags(&c)

	assert.Equal(t, ":7777", c.EndpointAddrHTTP)
	assert.Equal(t, StorageDriverS3, c.StorageDriver)
	assert.Equal(t, int64(15), c.QuotaPerOwnerGB)
	assert.Equal(t, 4, c.MaxConcurrentTasks)
}

func TestParseFlags_NoFlagsKeepsDefaults(t *testing.T) {
	withArgs(t)

	var c Config
	c.LoadDefaults()
	parseFlags(&c)

	assert.Equal(t, ":7071", c.EndpointAddrHTTP)
	assert.Equal(t, StorageDriverFluxDrive, c.StorageDriver)
}
