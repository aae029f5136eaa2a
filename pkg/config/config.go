package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	ServerURL          string
	APIBaseURL         string
	Username           string
	AuthToken          string
	ClientID           string
	HeartbeatMS        int64
	PongTimeoutMS      int64
	HandshakeTimeoutMS int64
	ReconnectFloorMS   int64
	ReconnectCeilingMS int64
	RingTimeoutMS      int64
	CountdownSeconds   int
	LocationTimeoutMS  int64
	ReminderPollMS     int64
	ScheduleRefreshMS  int64
	HTTPTimeoutMS      int64
	Timezone           string
	RedisURL           string
	LogLevel           string
	DiagnosticsPort    string
	LocationLat        string
	LocationLon        string
}

func Load() *Config {
	config := &Config{
		ServerURL:          getEnv("SERVER_URL", "ws://localhost:8080/ws"),
		APIBaseURL:         getEnv("API_BASE_URL", "http://localhost:8080/api"),
		Username:           getEnv("USERNAME", ""),
		AuthToken:          getEnv("AUTH_TOKEN", ""),
		ClientID:           getEnv("CLIENT_ID", generateClientID()),
		HeartbeatMS:        getEnvInt64("HEARTBEAT_INTERVAL_MS", 25000),
		PongTimeoutMS:      getEnvInt64("PONG_TIMEOUT_MS", 0),
		HandshakeTimeoutMS: getEnvInt64("HANDSHAKE_TIMEOUT_MS", 10000),
		ReconnectFloorMS:   getEnvInt64("RECONNECT_FLOOR_MS", 1000),
		ReconnectCeilingMS: getEnvInt64("RECONNECT_CEILING_MS", 15000),
		RingTimeoutMS:      getEnvInt64("RING_TIMEOUT_MS", 30000),
		CountdownSeconds:   getEnvInt("COUNTDOWN_SECONDS", 5),
		LocationTimeoutMS:  getEnvInt64("LOCATION_TIMEOUT_MS", 1000),
		ReminderPollMS:     getEnvInt64("REMINDER_POLL_MS", 10000),
		ScheduleRefreshMS:  getEnvInt64("SCHEDULE_REFRESH_MS", 300000),
		HTTPTimeoutMS:      getEnvInt64("HTTP_TIMEOUT_MS", 15000),
		Timezone:           getEnv("TIMEZONE", "Local"),
		RedisURL:           getEnv("REDIS_URL", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DiagnosticsPort:    getEnv("DIAGNOSTICS_PORT", "9090"),
		LocationLat:        getEnv("LOCATION_LAT", ""),
		LocationLon:        getEnv("LOCATION_LON", ""),
	}

	return config
}

func (c *Config) HeartbeatInterval() time.Duration {
	return ms(c.HeartbeatMS)
}

func (c *Config) PongTimeout() time.Duration {
	return ms(c.PongTimeoutMS)
}

func (c *Config) HandshakeTimeout() time.Duration {
	return ms(c.HandshakeTimeoutMS)
}

func (c *Config) ReconnectFloor() time.Duration {
	return ms(c.ReconnectFloorMS)
}

func (c *Config) ReconnectCeiling() time.Duration {
	return ms(c.ReconnectCeilingMS)
}

func (c *Config) RingTimeout() time.Duration {
	return ms(c.RingTimeoutMS)
}

func (c *Config) LocationTimeout() time.Duration {
	return ms(c.LocationTimeoutMS)
}

func (c *Config) ReminderPollInterval() time.Duration {
	return ms(c.ReminderPollMS)
}

func (c *Config) ScheduleRefreshInterval() time.Duration {
	return ms(c.ScheduleRefreshMS)
}

func (c *Config) HTTPTimeout() time.Duration {
	return ms(c.HTTPTimeoutMS)
}

// Location resolves Timezone, falling back to the host zone when it is
// unknown.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// FixedLocation parses LOCATION_LAT/LOCATION_LON. ok is false unless both
// are valid coordinates.
func (c *Config) FixedLocation() (lat, lon float64, ok bool) {
	lat, errLat := strconv.ParseFloat(c.LocationLat, 64)
	lon, errLon := strconv.ParseFloat(c.LocationLon, 64)
	if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func generateClientID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
