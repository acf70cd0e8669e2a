package artifact

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markscan/markscan/internal/httpclient"
	"github.com/markscan/markscan/internal/logger"
)

// SupabaseConfig addresses a Supabase Storage bucket.
type SupabaseConfig struct {
	URL     string // project URL, e.g. https://abc.supabase.co
	Key     string // service role or anon key
	Bucket  string
	Timeout time.Duration

	// Transport overrides the HTTP transport; nil uses the default.
	Transport http.RoundTripper
}

// SupabaseStore uploads artifacts to a public Supabase Storage bucket.
type SupabaseStore struct {
	client  *httpclient.Client
	baseURL string
	bucket  string
	now     func() time.Time
}

// NewSupabaseStore validates cfg and builds the REST client.
func NewSupabaseStore(cfg SupabaseConfig) (*SupabaseStore, error) {
	if cfg.URL == "" || cfg.Key == "" {
		return nil, fmt.Errorf("supabase url and key are required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("supabase bucket is required")
	}

	client := httpclient.New(&httpclient.Config{
		DefaultTimeout: cfg.Timeout,
		Transport:      cfg.Transport,
		Headers: map[string]string{
			"apikey":        cfg.Key,
			"Authorization": "Bearer " + cfg.Key,
		},
	})

	return &SupabaseStore{
		client:  client,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		bucket:  cfg.Bucket,
		now:     time.Now,
	}, nil
}

// Backend implements Store.
func (s *SupabaseStore) Backend() string { return BackendSupabase }

// Store uploads data with POST /storage/v1/object/<bucket>/<name>.
func (s *SupabaseStore) Store(ctx context.Context, data []byte, hint string) (Ref, error) {
	name := NewName(s.now(), hint)
	objectPath := url.PathEscape(s.bucket) + "/" + url.PathEscape(name)

	resp, err := s.client.Send(ctx, http.MethodPost,
		s.baseURL+"/storage/v1/object/"+objectPath,
		http.DetectContentType(data), data,
		http.Header{"X-Upsert": []string{"false"}})
	if err != nil {
		return Ref{}, storageError(fmt.Errorf("upload %s: %w", name, err), BackendSupabase, "upload")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ref{}, storageError(fmt.Errorf("upload %s: %w", name, httpclient.ReadError(resp)), BackendSupabase, "upload")
	}

	GetLogger().Debug("artifact stored",
		logger.String("backend", BackendSupabase),
		logger.String("bucket", s.bucket),
		logger.String("name", name),
		logger.Int("bytes", len(data)))

	return Ref{Name: name, URL: s.baseURL + "/storage/v1/object/public/" + objectPath}, nil
}

// Close releases idle connections.
func (s *SupabaseStore) Close() {
	s.client.Close()
}
