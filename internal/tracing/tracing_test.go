package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("daedalus-runner")

	assert.Equal(t, "daedalus-runner", config.ServiceName)
	assert.Equal(t, "127.0.0.1:4318", config.OTLPEndpoint)
	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, 1.0, config.SampleRatio)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DAEDALUS_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("DAEDALUS_ENVIRONMENT", "production")
	t.Setenv("DAEDALUS_SERVICE_VERSION", "2.3.1")
	t.Setenv("DAEDALUS_TRACE_SAMPLE_RATIO", "0.25")

	config := ConfigFromEnv("daedalus-runner")

	assert.Equal(t, "collector:4318", config.OTLPEndpoint)
	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, "2.3.1", config.ServiceVersion)
	assert.Equal(t, 0.25, config.SampleRatio)
}

func TestConfigFromEnvIgnoresInvalidRatio(t *testing.T) {
	t.Setenv("DAEDALUS_TRACE_SAMPLE_RATIO", "not-a-ratio")
	config := ConfigFromEnv("daedalus-runner")
	assert.Equal(t, 1.0, config.SampleRatio)

	t.Setenv("DAEDALUS_TRACE_SAMPLE_RATIO", "3.5")
	config = ConfigFromEnv("daedalus-runner")
	assert.Equal(t, 1.0, config.SampleRatio)
}
