package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/markscan/markscan/internal/httpclient"
	"github.com/markscan/markscan/internal/observability/metrics"
)

const (
	defaultSupabaseTable = "inspection_records"
	postgrestOrder       = "created_at.desc,id.desc"
	preferRepresentation = "return=representation"
)

// SupabaseConfig addresses a Supabase project's PostgREST endpoint.
type SupabaseConfig struct {
	URL       string
	Key       string
	Table     string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// SupabaseStore implements Interface over the PostgREST API. The table is
// expected to exist with a bigserial id and a timestamptz created_at.
type SupabaseStore struct {
	client   *httpclient.Client
	endpoint string
	recorder metrics.Recorder
	now      func() time.Time
}

// NewSupabaseStore validates cfg. No request is made until Open.
func NewSupabaseStore(cfg SupabaseConfig, rec metrics.Recorder) (*SupabaseStore, error) {
	if cfg.URL == "" || cfg.Key == "" {
		return nil, fmt.Errorf("supabase url and key are required")
	}
	if cfg.Table == "" {
		cfg.Table = defaultSupabaseTable
	}
	if rec == nil {
		rec = metrics.NoOpRecorder{}
	}

	client := httpclient.New(&httpclient.Config{
		DefaultTimeout: cfg.Timeout,
		Transport:      cfg.Transport,
		Headers: map[string]string{
			"apikey":        cfg.Key,
			"Authorization": "Bearer " + cfg.Key,
			"Accept":        "application/json",
		},
	})

	return &SupabaseStore{
		client:   client,
		endpoint: strings.TrimRight(cfg.URL, "/") + "/rest/v1/" + url.PathEscape(cfg.Table),
		recorder: rec,
		now:      time.Now,
	}, nil
}

// Backend returns "supabase".
func (s *SupabaseStore) Backend() string { return BackendSupabase }

// Open checks that the table is reachable.
func (s *SupabaseStore) Open() error {
	ctx, cancel := context.WithTimeout(context.Background(), httpclient.DefaultTimeout)
	defer cancel()

	var probe []InspectionRecord
	if err := s.do(ctx, http.MethodGet, url.Values{"select": {"id"}, "limit": {"1"}}, nil, &probe); err != nil {
		return dbError(fmt.Errorf("supabase table check: %w", err), BackendSupabase, "open")
	}
	return nil
}

// Close releases idle connections.
func (s *SupabaseStore) Close() error {
	s.client.Close()
	return nil
}

type supabaseInsert struct {
	CreatedAt  time.Time `json:"created_at"`
	Vendor     string    `json:"vendor"`
	LotID      string    `json:"lot_id"`
	PartNumber string    `json:"part_number"`
	Result     string    `json:"result"`
	Confidence float64   `json:"confidence"`
	Operator   string    `json:"operator"`
	ImageURL   *string   `json:"image_url"`
}

// Insert posts rec and reads back the assigned id.
func (s *SupabaseStore) Insert(ctx context.Context, rec *InspectionRecord) (id uint, err error) {
	defer func(start time.Time) { err = observe(s.recorder, metrics.OpInsert, start, err) }(time.Now())

	rec.CreatedAt = s.now().UTC()
	body := supabaseInsert{
		CreatedAt:  rec.CreatedAt,
		Vendor:     rec.Vendor,
		LotID:      rec.LotID,
		PartNumber: rec.PartNumber,
		Result:     rec.Result,
		Confidence: rec.Confidence,
		Operator:   rec.Operator,
		ImageURL:   rec.ImageURL,
	}

	var created []InspectionRecord
	if err := s.do(ctx, http.MethodPost, nil, body, &created); err != nil {
		return 0, dbError(fmt.Errorf("insert inspection record: %w", err), BackendSupabase, metrics.OpInsert)
	}
	if len(created) == 0 {
		return 0, dbError(fmt.Errorf("insert inspection record: empty representation"), BackendSupabase, metrics.OpInsert)
	}
	rec.ID = created[0].ID
	return rec.ID, nil
}

// ListAll returns every record, newest first.
func (s *SupabaseStore) ListAll(ctx context.Context) ([]InspectionRecord, error) {
	return s.List(ctx, Filter{})
}

// List returns records matching f, newest first.
func (s *SupabaseStore) List(ctx context.Context, f Filter) (records []InspectionRecord, err error) {
	defer func(start time.Time) { err = observe(s.recorder, metrics.OpList, start, err) }(time.Now())

	query := url.Values{"select": {"*"}, "order": {postgrestOrder}}
	if f.Result != "" {
		query.Set("result", "eq."+f.Result)
	}
	if term := strings.TrimSpace(f.Query); term != "" {
		v := postgrestQuote("*" + escapeILike(term) + "*")
		query.Set("or", fmt.Sprintf("(part_number.ilike.%s,lot_id.ilike.%s,vendor.ilike.%s)", v, v, v))
	}
	if f.Limit > 0 {
		query.Set("limit", strconv.Itoa(f.Limit))
	}

	records = []InspectionRecord{}
	if err := s.do(ctx, http.MethodGet, query, nil, &records); err != nil {
		return nil, dbError(fmt.Errorf("list inspection records: %w", err), BackendSupabase, metrics.OpList)
	}
	return records, nil
}

// Get returns one record.
func (s *SupabaseStore) Get(ctx context.Context, id uint) (rec *InspectionRecord, err error) {
	defer func(start time.Time) { err = observe(s.recorder, metrics.OpGet, start, err) }(time.Now())

	var found []InspectionRecord
	query := url.Values{"select": {"*"}, "id": {"eq." + strconv.FormatUint(uint64(id), 10)}}
	if err := s.do(ctx, http.MethodGet, query, nil, &found); err != nil {
		return nil, dbError(fmt.Errorf("get inspection record %d: %w", id, err), BackendSupabase, metrics.OpGet)
	}
	if len(found) == 0 {
		return nil, notFound(id)
	}
	return &found[0], nil
}

// UpdateResult issues a single PATCH filtered on id; an empty representation
// means the id does not exist and nothing was written.
func (s *SupabaseStore) UpdateResult(ctx context.Context, id uint, result string) (rec *InspectionRecord, err error) {
	defer func(start time.Time) { err = observe(s.recorder, metrics.OpUpdate, start, err) }(time.Now())

	if !ValidResult(result) {
		return nil, invalidResult(result)
	}

	var updated []InspectionRecord
	query := url.Values{"id": {"eq." + strconv.FormatUint(uint64(id), 10)}}
	if err := s.do(ctx, http.MethodPatch, query, map[string]string{"result": result}, &updated); err != nil {
		return nil, dbError(fmt.Errorf("update inspection record %d: %w", id, err), BackendSupabase, metrics.OpUpdate)
	}
	if len(updated) == 0 {
		return nil, notFound(id)
	}
	return &updated[0], nil
}

func (s *SupabaseStore) do(ctx context.Context, method string, query url.Values, body, out any) error {
	target := s.endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var header http.Header
	if method != http.MethodGet {
		header = http.Header{"Prefer": {preferRepresentation}}
	}

	resp, err := s.client.Send(ctx, method, target, "", body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpclient.ReadError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// postgrestQuote wraps v in double quotes so commas and parentheses survive
// inside an or=() filter.
// escapeILike makes % and _ literal, matching escapeLike on the SQL backends.
// Postgres escapes LIKE patterns with a backslash by default.
func escapeILike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

func postgrestQuote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}
