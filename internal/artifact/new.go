package artifact

import (
	"fmt"
	"net/http"

	"github.com/markscan/markscan/internal/conf"
)

// Option configures New.
type Option func(*options)

type options struct {
	transport http.RoundTripper
}

// WithTransport overrides the HTTP transport of the supabase backend.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// New returns the artifact store selected by settings.
func New(settings *conf.Settings, opts ...Option) (Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		store Store
		err   error
	)
	artifacts := settings.Storage.Artifacts
	switch artifacts.Backend {
	case BackendLocal, "":
		store, err = NewLocalStore(artifacts.Local.Dir, settings.Server.BaseURL)
	case BackendSupabase:
		sb := settings.Storage.Supabase
		store, err = NewSupabaseStore(SupabaseConfig{
			URL:       sb.URL,
			Key:       sb.Key,
			Bucket:    sb.Bucket,
			Timeout:   sb.Timeout,
			Transport: o.transport,
		})
	case BackendSFTP:
		s := artifacts.SFTP
		store, err = NewSFTPStore(SFTPConfig{
			Host:      s.Host,
			Port:      s.Port,
			Username:  s.Username,
			Password:  s.Password,
			KeyFile:   s.KeyFile,
			Path:      s.Path,
			PublicURL: s.PublicURL,
			Timeout:   s.Timeout,
		})
	case BackendFTP:
		f := artifacts.FTP
		store, err = NewFTPStore(FTPConfig{
			Host:      f.Host,
			Port:      f.Port,
			Username:  f.Username,
			Password:  f.Password,
			Path:      f.Path,
			PublicURL: f.PublicURL,
			Timeout:   f.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported artifact backend %q", artifacts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
