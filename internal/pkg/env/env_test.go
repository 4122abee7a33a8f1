package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := Env
	Env = values
	t.Cleanup(func() { Env = prev })
}

func TestTypedGetters(t *testing.T) {
	withEnv(t, map[string]string{
		"ATTEMPTS":  "20",
		"BAD_INT":   "twenty",
		"RATE":      "6.8",
		"INTERVAL":  "3s",
		"BARE_SECS": "10",
		"ENABLED":   "true",
	})

	assert.Equal(t, 20, GetEnvInt("ATTEMPTS", 1))
	assert.Equal(t, 1, GetEnvInt("BAD_INT", 1))
	assert.Equal(t, 7, GetEnvInt("MISSING_INT", 7))
	assert.InDelta(t, 6.8, GetEnvFloat("RATE", 1), 0.0001)
	assert.Equal(t, 3*time.Second, GetEnvDuration("INTERVAL", time.Minute))
	assert.Equal(t, 10*time.Second, GetEnvDuration("BARE_SECS", time.Minute))
	assert.Equal(t, time.Minute, GetEnvDuration("MISSING_DURATION", time.Minute))
	assert.True(t, GetEnvBool("ENABLED", false))
	assert.False(t, GetEnvBool("MISSING_BOOL", false))
}

func TestGetEnvPrefersLoadedFile(t *testing.T) {
	withEnv(t, map[string]string{"REDEEMFOX_TEST_KEY": "from-file"})
	t.Setenv("REDEEMFOX_TEST_KEY", "from-os")

	assert.Equal(t, "from-file", GetEnv("REDEEMFOX_TEST_KEY", "default"))
}
