package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers a default for every key so environment overrides resolve.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.base_url", "http://localhost:8000")
	viper.SetDefault("server.body_limit", "20M")
	viper.SetDefault("server.allowed_origins", []string{"*"})
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 60*time.Second)
	viper.SetDefault("server.idle_timeout", 120*time.Second)
	viper.SetDefault("server.shutdown_timeout", 15*time.Second)
	viper.SetDefault("server.gzip", true)

	viper.SetDefault("model.backend", "onnx")
	viper.SetDefault("model.path", "best.onnx")
	viper.SetDefault("model.runtime_library", "")
	viper.SetDefault("model.input_size", 640)
	viper.SetDefault("model.threads", 0)
	viper.SetDefault("model.threshold", 0.1)
	viper.SetDefault("model.iou", 0.7)
	viper.SetDefault("model.max_detections", 300)
	viper.SetDefault("model.classes", []string{"Defective", "Perfect"})
	viper.SetDefault("model.use_xnnpack", true)

	viper.SetDefault("verdict.selection", "first")
	viper.SetDefault("verdict.empty_label", "no_detection")

	viper.SetDefault("upload.max_pixels", 40_000_000)

	viper.SetDefault("storage.artifacts.backend", "local")
	viper.SetDefault("storage.artifacts.local.dir", "static/uploads")
	viper.SetDefault("storage.artifacts.sftp.host", "")
	viper.SetDefault("storage.artifacts.sftp.port", 22)
	viper.SetDefault("storage.artifacts.sftp.username", "")
	viper.SetDefault("storage.artifacts.sftp.password", "")
	viper.SetDefault("storage.artifacts.sftp.key_file", "")
	viper.SetDefault("storage.artifacts.sftp.path", "uploads")
	viper.SetDefault("storage.artifacts.sftp.public_url", "")
	viper.SetDefault("storage.artifacts.sftp.timeout", 30*time.Second)
	viper.SetDefault("storage.artifacts.ftp.host", "")
	viper.SetDefault("storage.artifacts.ftp.port", 21)
	viper.SetDefault("storage.artifacts.ftp.username", "")
	viper.SetDefault("storage.artifacts.ftp.password", "")
	viper.SetDefault("storage.artifacts.ftp.path", "uploads")
	viper.SetDefault("storage.artifacts.ftp.public_url", "")
	viper.SetDefault("storage.artifacts.ftp.timeout", 30*time.Second)

	viper.SetDefault("storage.records.backend", "sqlite")
	viper.SetDefault("storage.records.sqlite.path", "inspection.db")
	viper.SetDefault("storage.records.mysql.host", "localhost")
	viper.SetDefault("storage.records.mysql.port", 3306)
	viper.SetDefault("storage.records.mysql.username", "")
	viper.SetDefault("storage.records.mysql.password", "")
	viper.SetDefault("storage.records.mysql.database", "markscan")

	viper.SetDefault("storage.supabase.url", "")
	viper.SetDefault("storage.supabase.key", "")
	viper.SetDefault("storage.supabase.bucket", "inspection-images")
	viper.SetDefault("storage.supabase.table", "inspection_records")
	viper.SetDefault("storage.supabase.timeout", 30*time.Second)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.client_id", "markscan")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.topic", "markscan/inspections")
	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.retain", false)
	viper.SetDefault("mqtt.queue_size", 256)
	viper.SetDefault("mqtt.connect_timeout", 10*time.Second)
	viper.SetDefault("mqtt.publish_timeout", 5*time.Second)

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.module_levels", map[string]string{})

	viper.SetDefault("telemetry.metrics", true)
	viper.SetDefault("telemetry.sentry_dsn", "")
	viper.SetDefault("telemetry.environment", "production")
}
