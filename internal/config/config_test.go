package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setTuyaEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TUYA_API_ENDPOINT", "https://openapi.tuyaeu.com")
	t.Setenv("TUYA_ACCESS_ID", "id")
	t.Setenv("TUYA_ACCESS_SECRET", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setTuyaEnv(t)
	t.Setenv("MYSQL_HOST", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("MQTT_BROKER", "")
	t.Setenv("HTTP_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://openapi.tuyaeu.com", cfg.Tuya.Endpoint)
	assert.Equal(t, "en", cfg.Tuya.Lang)
	assert.Equal(t, 10*time.Second, cfg.Tuya.Timeout)
	assert.Equal(t, ":8000", cfg.HTTP.Addr)
	assert.False(t, cfg.MySQL.Enabled())
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.MQTT.Enabled())
}

func TestLoadOptionalBackends(t *testing.T) {
	setTuyaEnv(t)
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("ACTIVE_TTL_SECONDS", "60")
	t.Setenv("MQTT_BROKER", "tcp://127.0.0.1:1883")
	t.Setenv("WORKERS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, time.Minute, cfg.Redis.ActiveTTL)
	assert.True(t, cfg.MQTT.Enabled())
	assert.Equal(t, 4, cfg.MQTT.Workers, "bad ints fall back to the default")
}

func TestLoadRequiresTuyaCredentials(t *testing.T) {
	for _, key := range []string{"TUYA_API_ENDPOINT", "TUYA_ACCESS_ID", "TUYA_ACCESS_SECRET"} {
		t.Run(key, func(t *testing.T) {
			setTuyaEnv(t)
			t.Setenv(key, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadRejectsBadEndpoint(t *testing.T) {
	setTuyaEnv(t)
	t.Setenv("TUYA_API_ENDPOINT", "openapi.tuyaeu.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an http(s) URL")
}

func TestLoadRejectsCommandTopicWithoutDeviceLevel(t *testing.T) {
	for _, topic := range []string{"devices/commands", "devices/#", "devices/+/+/commands", "devices/dev+/commands"} {
		t.Run(topic, func(t *testing.T) {
			setTuyaEnv(t)
			t.Setenv("MQTT_BROKER", "tcp://127.0.0.1:1883")
			t.Setenv("MQTT_COMMAND_TOPIC", topic)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "MQTT_COMMAND_TOPIC")
		})
	}

	setTuyaEnv(t)
	t.Setenv("MQTT_BROKER", "tcp://127.0.0.1:1883")
	t.Setenv("MQTT_COMMAND_TOPIC", "home/tuya/+/cmd")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "home/tuya/+/cmd", cfg.MQTT.Topic)
}
