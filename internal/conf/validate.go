package conf

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/labstack/gommon/bytes"
)

// ValidationError collects every problem found in one pass.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks the whole Settings struct.
func ValidateSettings(s *Settings) error {
	ve := ValidationError{}
	for _, check := range []func(*Settings) []string{
		validateServerSettings,
		validateModelSettings,
		validateVerdictSettings,
		validateStorageSettings,
		validateMQTTSettings,
	} {
		ve.Errors = append(ve.Errors, check(s)...)
	}
	if s.Upload.MaxPixels < 0 {
		ve.Errors = append(ve.Errors, "upload.max_pixels must not be negative")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateServerSettings(s *Settings) []string {
	var errs []string
	if s.Server.Port < 1 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", s.Server.Port))
	}
	if !isAbsoluteURL(s.Server.BaseURL) {
		errs = append(errs, fmt.Sprintf("server.base_url %q is not an absolute URL", s.Server.BaseURL))
	}
	if s.Server.BodyLimit != "" {
		if _, err := bytes.Parse(s.Server.BodyLimit); err != nil {
			errs = append(errs, fmt.Sprintf("server.body_limit %q: %v", s.Server.BodyLimit, err))
		}
	}
	return errs
}

func validateModelSettings(s *Settings) []string {
	var errs []string
	m := &s.Model
	switch m.Backend {
	case "onnx", "tflite", "opencv":
	default:
		errs = append(errs, fmt.Sprintf("model.backend %q must be onnx, tflite or opencv", m.Backend))
	}
	if m.Threshold < 0 || m.Threshold > 1 {
		errs = append(errs, "model.threshold must be between 0 and 1")
	}
	if m.IoU <= 0 || m.IoU > 1 {
		errs = append(errs, "model.iou must be in (0, 1]")
	}
	if m.InputSize <= 0 || m.InputSize%32 != 0 {
		errs = append(errs, "model.input_size must be a positive multiple of 32")
	}
	if m.MaxDetections <= 0 {
		errs = append(errs, "model.max_detections must be positive")
	}
	if m.Threads < 0 {
		errs = append(errs, "model.threads must not be negative")
	}
	if len(m.Classes) == 0 {
		errs = append(errs, "model.classes must name at least one class")
	}
	return errs
}

func validateVerdictSettings(s *Settings) []string {
	var errs []string
	switch s.Verdict.Selection {
	case "first", "confidence":
	default:
		errs = append(errs, fmt.Sprintf("verdict.selection %q must be first or confidence", s.Verdict.Selection))
	}
	switch s.Verdict.EmptyLabel {
	case "no_detection", "defective":
	default:
		errs = append(errs, fmt.Sprintf("verdict.empty_label %q must be no_detection or defective", s.Verdict.EmptyLabel))
	}
	return errs
}

func validateStorageSettings(s *Settings) []string {
	var errs []string
	st := &s.Storage
	needSupabase := false

	switch st.Artifacts.Backend {
	case "local":
		if st.Artifacts.Local.Dir == "" {
			errs = append(errs, "storage.artifacts.local.dir is required")
		}
	case "sftp":
		if st.Artifacts.SFTP.Host == "" || st.Artifacts.SFTP.Username == "" {
			errs = append(errs, "storage.artifacts.sftp requires host and username")
		}
		if st.Artifacts.SFTP.Password == "" && st.Artifacts.SFTP.KeyFile == "" {
			errs = append(errs, "storage.artifacts.sftp requires a password or key_file")
		}
		if !isAbsoluteURL(st.Artifacts.SFTP.PublicURL) {
			errs = append(errs, "storage.artifacts.sftp.public_url must be an absolute URL")
		}
	case "ftp":
		if st.Artifacts.FTP.Host == "" {
			errs = append(errs, "storage.artifacts.ftp.host is required")
		}
		if !isAbsoluteURL(st.Artifacts.FTP.PublicURL) {
			errs = append(errs, "storage.artifacts.ftp.public_url must be an absolute URL")
		}
	case "supabase":
		needSupabase = true
		if st.Supabase.Bucket == "" {
			errs = append(errs, "storage.supabase.bucket is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.artifacts.backend %q must be local, supabase, sftp or ftp", st.Artifacts.Backend))
	}

	switch st.Records.Backend {
	case "sqlite":
		if st.Records.SQLite.Path == "" {
			errs = append(errs, "storage.records.sqlite.path is required")
		}
	case "mysql":
		if st.Records.MySQL.Host == "" || st.Records.MySQL.Database == "" {
			errs = append(errs, "storage.records.mysql requires host and database")
		}
	case "supabase":
		needSupabase = true
		if st.Supabase.Table == "" {
			errs = append(errs, "storage.supabase.table is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.records.backend %q must be sqlite, mysql or supabase", st.Records.Backend))
	}

	if needSupabase {
		if !isAbsoluteURL(st.Supabase.URL) {
			errs = append(errs, "storage.supabase.url must be an absolute URL")
		}
		if st.Supabase.Key == "" {
			errs = append(errs, "storage.supabase.key is required")
		}
	}
	return errs
}

func validateMQTTSettings(s *Settings) []string {
	if !s.MQTT.Enabled {
		return nil
	}
	var errs []string
	if !isAbsoluteURL(s.MQTT.Broker) {
		errs = append(errs, fmt.Sprintf("mqtt.broker %q must be a URL such as tcp://host:1883", s.MQTT.Broker))
	}
	if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1 or 2")
	}
	if strings.ContainsAny(s.MQTT.Topic, "+#") {
		errs = append(errs, "mqtt.topic must not contain wildcards")
	}
	return errs
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
