// Package conf loads MarkScan settings from config.yaml, .env files and MARKSCAN_* variables.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/markscan/markscan/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"` // prefix for locally stored artifact URLs
	BodyLimit       string        `mapstructure:"body_limit" yaml:"body_limit"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	Gzip            bool          `mapstructure:"gzip" yaml:"gzip"`
}

// ModelSettings configures the detector.
type ModelSettings struct {
	Backend        string   `mapstructure:"backend" yaml:"backend"`                 // onnx, tflite or opencv
	Path           string   `mapstructure:"path" yaml:"path"`                       // model file
	RuntimeLibrary string   `mapstructure:"runtime_library" yaml:"runtime_library"` // onnxruntime shared library, onnx only
	InputSize      int      `mapstructure:"input_size" yaml:"input_size"`
	Threads        int      `mapstructure:"threads" yaml:"threads"` // 0 = physical cores
	Threshold      float64  `mapstructure:"threshold" yaml:"threshold"`
	IoU            float64  `mapstructure:"iou" yaml:"iou"`
	MaxDetections  int      `mapstructure:"max_detections" yaml:"max_detections"`
	Classes        []string `mapstructure:"classes" yaml:"classes"`
	UseXNNPACK     bool     `mapstructure:"use_xnnpack" yaml:"use_xnnpack"`
}

// VerdictSettings selects how detections reduce to one verdict.
type VerdictSettings struct {
	Selection  string `mapstructure:"selection" yaml:"selection"`     // first or confidence
	EmptyLabel string `mapstructure:"empty_label" yaml:"empty_label"` // no_detection or defective
}

// UploadSettings bounds accepted images.
type UploadSettings struct {
	MaxPixels int `mapstructure:"max_pixels" yaml:"max_pixels"`
}

// LocalArtifactSettings configures the filesystem artifact store.
type LocalArtifactSettings struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// SFTPSettings configures the SFTP artifact store.
type SFTPSettings struct {
	Host      string        `mapstructure:"host" yaml:"host"`
	Port      int           `mapstructure:"port" yaml:"port"`
	Username  string        `mapstructure:"username" yaml:"username"`
	Password  string        `mapstructure:"password" yaml:"password"`
	KeyFile   string        `mapstructure:"key_file" yaml:"key_file"`
	Path      string        `mapstructure:"path" yaml:"path"`
	PublicURL string        `mapstructure:"public_url" yaml:"public_url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// FTPSettings configures the FTP artifact store.
type FTPSettings struct {
	Host      string        `mapstructure:"host" yaml:"host"`
	Port      int           `mapstructure:"port" yaml:"port"`
	Username  string        `mapstructure:"username" yaml:"username"` // empty logs in anonymously
	Password  string        `mapstructure:"password" yaml:"password"`
	Path      string        `mapstructure:"path" yaml:"path"`
	PublicURL string        `mapstructure:"public_url" yaml:"public_url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ArtifactSettings selects and configures the artifact backend.
type ArtifactSettings struct {
	Backend string                `mapstructure:"backend" yaml:"backend"` // local, supabase, sftp or ftp
	Local   LocalArtifactSettings `mapstructure:"local" yaml:"local"`
	SFTP    SFTPSettings          `mapstructure:"sftp" yaml:"sftp"`
	FTP     FTPSettings           `mapstructure:"ftp" yaml:"ftp"`
}

// SQLiteSettings configures the embedded database.
type SQLiteSettings struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MySQLSettings configures the hosted SQL database.
type MySQLSettings struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

// RecordSettings selects and configures the record backend.
type RecordSettings struct {
	Backend string         `mapstructure:"backend" yaml:"backend"` // sqlite, mysql or supabase
	SQLite  SQLiteSettings `mapstructure:"sqlite" yaml:"sqlite"`
	MySQL   MySQLSettings  `mapstructure:"mysql" yaml:"mysql"`
}

// SupabaseSettings is shared by the supabase artifact and record backends.
type SupabaseSettings struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Key     string        `mapstructure:"key" yaml:"key"`
	Bucket  string        `mapstructure:"bucket" yaml:"bucket"`
	Table   string        `mapstructure:"table" yaml:"table"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StorageSettings groups artifact and record persistence.
type StorageSettings struct {
	Artifacts ArtifactSettings `mapstructure:"artifacts" yaml:"artifacts"`
	Records   RecordSettings   `mapstructure:"records" yaml:"records"`
	Supabase  SupabaseSettings `mapstructure:"supabase" yaml:"supabase"`
}

// MQTTSettings configures publishing of saved inspection records.
type MQTTSettings struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Broker         string        `mapstructure:"broker" yaml:"broker"` // e.g. tcp://broker.plant:1883
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	Topic          string        `mapstructure:"topic" yaml:"topic"` // records go to <topic>/<result>
	QoS            int           `mapstructure:"qos" yaml:"qos"`
	Retain         bool          `mapstructure:"retain" yaml:"retain"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
}

// TelemetrySettings configures Prometheus metrics and Sentry reporting.
type TelemetrySettings struct {
	Metrics     bool   `mapstructure:"metrics" yaml:"metrics"`
	SentryDSN   string `mapstructure:"sentry_dsn" yaml:"sentry_dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// Settings is the complete runtime configuration.
type Settings struct {
	Debug     bool                 `mapstructure:"debug" yaml:"debug"`
	Server    ServerSettings       `mapstructure:"server" yaml:"server"`
	Model     ModelSettings        `mapstructure:"model" yaml:"model"`
	Verdict   VerdictSettings      `mapstructure:"verdict" yaml:"verdict"`
	Upload    UploadSettings       `mapstructure:"upload" yaml:"upload"`
	Storage   StorageSettings      `mapstructure:"storage" yaml:"storage"`
	MQTT      MQTTSettings         `mapstructure:"mqtt" yaml:"mqtt"`
	Logging   logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetrySettings    `mapstructure:"telemetry" yaml:"telemetry"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configuration into a new Settings. An empty configFile searches the default
// paths and writes the embedded default config when nothing is found.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	if err := initViper(configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	normalize(settings)

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settings, nil
}

// loadDotEnv reads .env from the working directory. A missing file is fine;
// variables already set in the environment win.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("error reading .env: %w", err)
}

func initViper(configFile string) error {
	setDefaultConfig()

	if err := configureEnvironmentVariables(); err != nil {
		GetLogger().Warn("environment configuration issues", logger.Error(err))
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	for _, path := range GetDefaultConfigPaths() {
		viper.AddConfigPath(path)
	}

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// createDefaultConfig writes the embedded config.yaml to the first writable default path.
func createDefaultConfig() error {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded config: %w", err)
	}

	var lastErr error
	for _, dir := range GetDefaultConfigPaths()[1:] {
		configPath := filepath.Join(dir, "config.yaml")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			lastErr = err
			continue
		}
		if err := os.WriteFile(configPath, data, 0o644); err != nil { //nolint:gosec // config is not secret by default
			lastErr = err
			continue
		}
		GetLogger().Info("created default config file", logger.String("path", configPath))
		viper.SetConfigFile(configPath)
		return viper.ReadInConfig()
	}
	return fmt.Errorf("error writing default config file: %w", lastErr)
}

// GetDefaultConfigPaths lists the directories searched for config.yaml, in order.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "markscan"))
	}
	return append(paths, "/etc/markscan")
}

func normalize(s *Settings) {
	s.Server.BaseURL = strings.TrimRight(s.Server.BaseURL, "/")
	s.Storage.Supabase.URL = strings.TrimRight(s.Storage.Supabase.URL, "/")
	s.Storage.Artifacts.SFTP.PublicURL = strings.TrimRight(s.Storage.Artifacts.SFTP.PublicURL, "/")
	s.Storage.Artifacts.FTP.PublicURL = strings.TrimRight(s.Storage.Artifacts.FTP.PublicURL, "/")
	s.Model.Backend = strings.ToLower(s.Model.Backend)
	s.Storage.Artifacts.Backend = strings.ToLower(s.Storage.Artifacts.Backend)
	s.Storage.Records.Backend = strings.ToLower(s.Storage.Records.Backend)
	if s.Logging.ModuleLevels == nil {
		s.Logging.ModuleLevels = map[string]string{}
	}
	if s.Debug && s.Logging.DefaultLevel == logger.DefaultLogLevel {
		s.Logging.DefaultLevel = string(logger.LogLevelDebug)
	}
}

// GetSettings returns the settings from the last successful Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Address returns host:port for the HTTP listener.
func (s *ServerSettings) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DSN builds the go-sql-driver DSN.
func (m *MySQLSettings) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		m.Username, m.Password, m.Host, m.Port, m.Database)
}
