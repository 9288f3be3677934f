package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Tuya  TuyaConfig
	HTTP  HTTPConfig
	Log   LogConfig
	MySQL MySQLConfig
	Redis RedisConfig
	MQTT  MQTTConfig
}

type TuyaConfig struct {
	Endpoint     string
	AccessID     string
	AccessSecret string
	Lang         string
	Timeout      time.Duration

	// breaker; FailThreshold 0 disables it
	FailThreshold int32
	OpenDuration  time.Duration
}

type HTTPConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string // text or json
}

// MySQLConfig is optional; an empty Host disables the command audit log.
type MySQLConfig struct {
	Host, Port, User, Pass, DB string
	MaxOpen, MaxIdle           int
}

func (c MySQLConfig) Enabled() bool { return c.Host != "" }

// RedisConfig is optional; an empty Addr disables active-device tracking.
type RedisConfig struct {
	Addr      string
	DB        int
	ActiveTTL time.Duration
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// MQTTConfig is optional; an empty Broker disables the command bridge.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Workers  int
	QueueLen int
}

func (c MQTTConfig) Enabled() bool { return c.Broker != "" }

// Load reads the environment, after merging a .env file when one exists.
func Load() (Config, error) {
	// a missing .env is fine, variables may come from the process environment
	_ = godotenv.Load()

	cfg := Config{
		Tuya: TuyaConfig{
			Endpoint:      os.Getenv("TUYA_API_ENDPOINT"),
			AccessID:      os.Getenv("TUYA_ACCESS_ID"),
			AccessSecret:  os.Getenv("TUYA_ACCESS_SECRET"),
			Lang:          getenv("TUYA_LANG", "en"),
			Timeout:       time.Duration(getenvInt("TUYA_TIMEOUT_MS", 10000)) * time.Millisecond,
			FailThreshold: int32(getenvInt("TUYA_FAIL_THRESHOLD", 5)),
			OpenDuration:  time.Duration(getenvInt("TUYA_OPEN_SECONDS", 20)) * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: getenv("HTTP_ADDR", ":8000"),
		},
		Log: LogConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "text"),
		},
		MySQL: MySQLConfig{
			Host:    os.Getenv("MYSQL_HOST"),
			Port:    getenv("MYSQL_PORT", "3306"),
			User:    getenv("MYSQL_USER", "root"),
			Pass:    getenv("MYSQL_PASS", "root"),
			DB:      getenv("MYSQL_DB", "tuya_proxy"),
			MaxOpen: getenvInt("MYSQL_MAX_OPEN", 20),
			MaxIdle: getenvInt("MYSQL_MAX_IDLE", 5),
		},
		Redis: RedisConfig{
			Addr:      os.Getenv("REDIS_ADDR"),
			DB:        getenvInt("REDIS_DB", 0),
			ActiveTTL: time.Duration(getenvInt("ACTIVE_TTL_SECONDS", 300)) * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:   os.Getenv("MQTT_BROKER"),
			ClientID: getenv("MQTT_CLIENT_ID", "tuya_proxy"),
			Topic:    getenv("MQTT_COMMAND_TOPIC", "devices/+/commands"),
			QoS:      byte(getenvInt("MQTT_QOS", 1)),
			Workers:  getenvInt("WORKERS", 4),
			QueueLen: getenvInt("QUEUE_LEN", 1024),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a configuration the vendor client cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Tuya.Endpoint == "" {
		errs = append(errs, errors.New("TUYA_API_ENDPOINT is required"))
	} else if u, err := url.Parse(c.Tuya.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("TUYA_API_ENDPOINT %q is not an http(s) URL", c.Tuya.Endpoint))
	}
	if c.Tuya.AccessID == "" {
		errs = append(errs, errors.New("TUYA_ACCESS_ID is required"))
	}
	if c.Tuya.AccessSecret == "" {
		errs = append(errs, errors.New("TUYA_ACCESS_SECRET is required"))
	}
	if c.Tuya.Timeout <= 0 {
		errs = append(errs, errors.New("TUYA_TIMEOUT_MS must be positive"))
	}
	if c.MQTT.Enabled() && c.MQTT.Workers <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.MQTT.Enabled() && !deviceTopicFilter(c.MQTT.Topic) {
		errs = append(errs, fmt.Errorf("MQTT_COMMAND_TOPIC %q must have exactly one + level and no #", c.MQTT.Topic))
	}
	return errors.Join(errs...)
}

// deviceTopicFilter reports whether filter has one + level for the device id
// and no other wildcards.
func deviceTopicFilter(filter string) bool {
	plus := 0
	for _, lvl := range strings.Split(filter, "/") {
		switch {
		case lvl == "+":
			plus++
		case strings.ContainsAny(lvl, "+#"):
			return false
		}
	}
	return plus == 1
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
