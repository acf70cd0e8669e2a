package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MARKSCAN_SERVER_PORT.
const EnvPrefix = "MARKSCAN"

type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

// getEnvBindings lists the variables validated at startup. Every other key is still
// reachable through AutomaticEnv.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"server.port", "MARKSCAN_SERVER_PORT", validateEnvPort},
		{"server.base_url", "MARKSCAN_SERVER_BASE_URL", validateEnvURL},
		{"model.backend", "MARKSCAN_MODEL_BACKEND", validateEnvOneOf("onnx", "tflite", "opencv")},
		{"model.path", "MARKSCAN_MODEL_PATH", nil},
		{"model.runtime_library", "MARKSCAN_MODEL_RUNTIME_LIBRARY", nil},
		{"model.threshold", "MARKSCAN_MODEL_THRESHOLD", validateEnvUnitFloat},
		{"model.threads", "MARKSCAN_MODEL_THREADS", validateEnvNonNegativeInt},
		{"verdict.selection", "MARKSCAN_VERDICT_SELECTION", validateEnvOneOf("first", "confidence")},
		{"verdict.empty_label", "MARKSCAN_VERDICT_EMPTY_LABEL", validateEnvOneOf("no_detection", "defective")},
		{"storage.artifacts.backend", "MARKSCAN_STORAGE_ARTIFACTS_BACKEND", validateEnvOneOf("local", "supabase", "sftp", "ftp")},
		{"storage.records.backend", "MARKSCAN_STORAGE_RECORDS_BACKEND", validateEnvOneOf("sqlite", "mysql", "supabase")},
		// names used by the original hosted deployment
		{"storage.supabase.url", "SUPABASE_URL", validateEnvURL},
		{"storage.supabase.key", "SUPABASE_KEY", nil},
		{"mqtt.enabled", "MARKSCAN_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "MARKSCAN_MQTT_BROKER", validateEnvURL},
		{"mqtt.password", "MARKSCAN_MQTT_PASSWORD", nil},
		{"telemetry.sentry_dsn", "MARKSCAN_TELEMETRY_SENTRY_DSN", validateEnvURL},
		{"debug", "MARKSCAN_DEBUG", validateEnvBool},
	}
}

// bindEnvVars binds and validates each variable, collecting problems instead of stopping at the first.
func bindEnvVars() error {
	var warnings []string

	for _, b := range getEnvBindings() {
		// the MARKSCAN_ name stays bound alongside any alias
		if err := viper.BindEnv(b.ConfigKey, envName(b.ConfigKey), b.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", b.EnvVar, err))
			continue
		}
		if b.Validate == nil {
			continue
		}
		if value := os.Getenv(b.EnvVar); value != "" {
			if err := b.Validate(value); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value %q: %v", b.EnvVar, value, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func configureEnvironmentVariables() error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	return bindEnvVars()
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("must be a port between 1 and 65535")
	}
	return nil
}

func validateEnvUnitFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 || f > 1 {
		return fmt.Errorf("must be a number between 0 and 1")
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative integer")
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}

func validateEnvOneOf(allowed ...string) func(string) error {
	return func(value string) error {
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
	}
}
