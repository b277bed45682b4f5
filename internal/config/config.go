package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "locsync.cfg.json"

// DatabaseFileName is the default sqlite store, kept next to the config file.
// An empty store.sqlite.path selects a shared in-memory database instead.
const DatabaseFileName = "locsync.db"

// SyncConfig holds the location sync loop settings
type SyncConfig struct {
	GroupIdentifier  string        `json:"groupIdentifier"`
	BucketName       string        `json:"bucketName"`
	PollInterval     time.Duration `json:"pollInterval"`
	FetchTimeout     time.Duration `json:"fetchTimeout"`
	Match            string        `json:"match"`
	AppendNewMembers bool          `json:"appendNewMembers"`
	DefaultLatitude  float64       `json:"defaultLatitude"`
	DefaultLongitude float64       `json:"defaultLongitude"`
	RegionSpan       float64       `json:"regionSpan"`
	IconRef          string        `json:"iconRef"`
}

// SQLiteConfig holds the sqlite store settings
type SQLiteConfig struct {
	// Path of the database file, empty for a shared in-memory database
	Path string `json:"path"`
}

// PostgresConfig holds the postgres store settings
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode"`
}

// KiiConfig holds the object cloud REST settings
type KiiConfig struct {
	BaseURL  string `json:"baseUrl"`
	AppID    string `json:"appId"`
	AppKey   string `json:"appKey"`
	Username string `json:"username"`
	Password string `json:"password"`
	PageSize int    `json:"pageSize"`
}

// DynamoConfig holds the DynamoDB store settings
type DynamoConfig struct {
	Table    string `json:"table"`
	Region   string `json:"region"`
	Endpoint string `json:"endpoint"`
}

// StoreConfig selects and configures the remote location store
type StoreConfig struct {
	Type     string         `json:"type"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Postgres PostgresConfig `json:"postgres"`
	Kii      KiiConfig      `json:"kii"`
	Dynamo   DynamoConfig   `json:"dynamo"`
}

// WebsocketSinkConfig holds the dial-out map stream settings
type WebsocketSinkConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Secret  string `json:"secret"`
}

// HTTPSinkConfig holds the HTTP snapshot API settings
type HTTPSinkConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// MQTTSinkConfig holds the MQTT publisher settings
type MQTTSinkConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"clientId"`
	TopicPrefix string `json:"topicPrefix"`
	QoS         byte   `json:"qos"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

// TUISinkConfig toggles the terminal member board
type TUISinkConfig struct {
	Enabled bool `json:"enabled"`
}

// SinksConfig holds all rendering sink settings
type SinksConfig struct {
	Websocket WebsocketSinkConfig `json:"websocket"`
	HTTP      HTTPSinkConfig      `json:"http"`
	MQTT      MQTTSinkConfig      `json:"mqtt"`
	TUI       TUISinkConfig       `json:"tui"`
}

// InfluxConfig holds the location history settings
type InfluxConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       string `json:"port"`
	Protocol   string `json:"protocol"`
	Token      string `json:"token"`
	Org        string `json:"org"`
	Bucket     string `json:"bucket"`
	BackupPath string `json:"backupPath"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled        bool          `json:"enabled"`
	ServiceName    string        `json:"serviceName"`
	BatchTimeout   time.Duration `json:"batchTimeout"`
	MetricInterval time.Duration `json:"metricInterval"`
	Endpoint       string        `json:"endpoint"`
	Insecure       bool          `json:"insecure"`
}

// MonitorConfig holds the status file writer settings
type MonitorConfig struct {
	Enabled    bool          `json:"enabled"`
	Interval   time.Duration `json:"interval"`
	StatusFile string        `json:"statusFile"`
}

// IconConfig holds marker icon settings
type IconConfig struct {
	Dir     string `json:"dir"`
	MaxSize int    `json:"maxSize"`
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file. A missing file leaves
// the defaults and LOCSYNC_* environment overrides in place.
func Load(configDir string) error {
	// Set default values
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./locsynclogs")

	viper.SetDefault("sync.groupIdentifier", "mygroup1")
	viper.SetDefault("sync.bucketName", "locations")
	viper.SetDefault("sync.pollInterval", "5s")
	viper.SetDefault("sync.fetchTimeout", "10s")
	viper.SetDefault("sync.match", "member")
	viper.SetDefault("sync.appendNewMembers", false)
	viper.SetDefault("sync.defaultLatitude", 44.698921)
	viper.SetDefault("sync.defaultLongitude", -63.665212)
	viper.SetDefault("sync.regionSpan", 0.01)
	viper.SetDefault("sync.iconRef", "pin2X.png")

	viper.SetDefault("store.type", "sqlite")
	viper.SetDefault("store.sqlite.path", filepath.Join(configDir, DatabaseFileName))
	viper.SetDefault("store.postgres.host", "localhost")
	viper.SetDefault("store.postgres.port", "5432")
	viper.SetDefault("store.postgres.username", "postgres")
	viper.SetDefault("store.postgres.password", "postgres")
	viper.SetDefault("store.postgres.database", "locsync")
	viper.SetDefault("store.postgres.sslMode", "disable")
	viper.SetDefault("store.kii.baseUrl", "https://api.kii.com")
	viper.SetDefault("store.kii.appId", "")
	viper.SetDefault("store.kii.appKey", "")
	viper.SetDefault("store.kii.username", "")
	viper.SetDefault("store.kii.password", "")
	viper.SetDefault("store.kii.pageSize", 200)
	viper.SetDefault("store.dynamo.table", "locations")
	viper.SetDefault("store.dynamo.region", "us-east-1")
	viper.SetDefault("store.dynamo.endpoint", "")

	viper.SetDefault("sinks.websocket.enabled", false)
	viper.SetDefault("sinks.websocket.url", "ws://localhost:5000/api/v1/stream")
	viper.SetDefault("sinks.websocket.secret", "")
	viper.SetDefault("sinks.http.enabled", true)
	viper.SetDefault("sinks.http.address", ":8080")
	viper.SetDefault("sinks.mqtt.enabled", false)
	viper.SetDefault("sinks.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("sinks.mqtt.clientId", "locsync")
	viper.SetDefault("sinks.mqtt.topicPrefix", "locsync")
	viper.SetDefault("sinks.mqtt.qos", 1)
	viper.SetDefault("sinks.mqtt.username", "")
	viper.SetDefault("sinks.mqtt.password", "")
	viper.SetDefault("sinks.tui.enabled", false)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "locsync")
	viper.SetDefault("influx.bucket", "member_locations")
	viper.SetDefault("influx.backupPath", "")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "locsync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.metricInterval", "30s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("monitor.enabled", true)
	viper.SetDefault("monitor.interval", "30s")
	viper.SetDefault("monitor.statusFile", "")

	viper.SetDefault("icons.dir", "./icons")
	viper.SetDefault("icons.maxSize", 64)

	viper.SetEnvPrefix("LOCSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

// GetSyncConfig returns the sync loop settings.
func GetSyncConfig() SyncConfig {
	return SyncConfig{
		GroupIdentifier:  viper.GetString("sync.groupIdentifier"),
		BucketName:       viper.GetString("sync.bucketName"),
		PollInterval:     viper.GetDuration("sync.pollInterval"),
		FetchTimeout:     viper.GetDuration("sync.fetchTimeout"),
		Match:            viper.GetString("sync.match"),
		AppendNewMembers: viper.GetBool("sync.appendNewMembers"),
		DefaultLatitude:  viper.GetFloat64("sync.defaultLatitude"),
		DefaultLongitude: viper.GetFloat64("sync.defaultLongitude"),
		RegionSpan:       viper.GetFloat64("sync.regionSpan"),
		IconRef:          viper.GetString("sync.iconRef"),
	}
}

// GetStoreConfig returns the remote store settings.
func GetStoreConfig() StoreConfig {
	return StoreConfig{
		Type: viper.GetString("store.type"),
		SQLite: SQLiteConfig{
			Path: viper.GetString("store.sqlite.path"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("store.postgres.host"),
			Port:     viper.GetString("store.postgres.port"),
			Username: viper.GetString("store.postgres.username"),
			Password: viper.GetString("store.postgres.password"),
			Database: viper.GetString("store.postgres.database"),
			SSLMode:  viper.GetString("store.postgres.sslMode"),
		},
		Kii: KiiConfig{
			BaseURL:  viper.GetString("store.kii.baseUrl"),
			AppID:    viper.GetString("store.kii.appId"),
			AppKey:   viper.GetString("store.kii.appKey"),
			Username: viper.GetString("store.kii.username"),
			Password: viper.GetString("store.kii.password"),
			PageSize: viper.GetInt("store.kii.pageSize"),
		},
		Dynamo: DynamoConfig{
			Table:    viper.GetString("store.dynamo.table"),
			Region:   viper.GetString("store.dynamo.region"),
			Endpoint: viper.GetString("store.dynamo.endpoint"),
		},
	}
}

// GetSinksConfig returns the rendering sink settings.
func GetSinksConfig() SinksConfig {
	return SinksConfig{
		Websocket: WebsocketSinkConfig{
			Enabled: viper.GetBool("sinks.websocket.enabled"),
			URL:     viper.GetString("sinks.websocket.url"),
			Secret:  viper.GetString("sinks.websocket.secret"),
		},
		HTTP: HTTPSinkConfig{
			Enabled: viper.GetBool("sinks.http.enabled"),
			Address: viper.GetString("sinks.http.address"),
		},
		MQTT: MQTTSinkConfig{
			Enabled:     viper.GetBool("sinks.mqtt.enabled"),
			Broker:      viper.GetString("sinks.mqtt.broker"),
			ClientID:    viper.GetString("sinks.mqtt.clientId"),
			TopicPrefix: viper.GetString("sinks.mqtt.topicPrefix"),
			QoS:         byte(viper.GetUint("sinks.mqtt.qos")),
			Username:    viper.GetString("sinks.mqtt.username"),
			Password:    viper.GetString("sinks.mqtt.password"),
		},
		TUI: TUISinkConfig{
			Enabled: viper.GetBool("sinks.tui.enabled"),
		},
	}
}

// GetInfluxConfig returns the location history settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:    viper.GetBool("influx.enabled"),
		Host:       viper.GetString("influx.host"),
		Port:       viper.GetString("influx.port"),
		Protocol:   viper.GetString("influx.protocol"),
		Token:      viper.GetString("influx.token"),
		Org:        viper.GetString("influx.org"),
		Bucket:     viper.GetString("influx.bucket"),
		BackupPath: viper.GetString("influx.backupPath"),
	}
}

// GetOTelConfig returns OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:        viper.GetBool("otel.enabled"),
		ServiceName:    viper.GetString("otel.serviceName"),
		BatchTimeout:   viper.GetDuration("otel.batchTimeout"),
		MetricInterval: viper.GetDuration("otel.metricInterval"),
		Endpoint:       viper.GetString("otel.endpoint"),
		Insecure:       viper.GetBool("otel.insecure"),
	}
}

// GetMonitorConfig returns status monitor settings.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:    viper.GetBool("monitor.enabled"),
		Interval:   viper.GetDuration("monitor.interval"),
		StatusFile: viper.GetString("monitor.statusFile"),
	}
}

// GetIconConfig returns marker icon settings.
func GetIconConfig() IconConfig {
	return IconConfig{
		Dir:     viper.GetString("icons.dir"),
		MaxSize: viper.GetInt("icons.maxSize"),
	}
}
