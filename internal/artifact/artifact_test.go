package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/errors"
)

var namePattern = regexp.MustCompile(`^scan_1700000000_[0-9a-f]{8}_[A-Za-z0-9._-]+$`)

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func TestNewName(t *testing.T) {
	t.Parallel()

	a := NewName(fixedNow(), "part 7.jpg")
	b := NewName(fixedNow(), "part 7.jpg")

	assert.Regexp(t, namePattern, a)
	assert.True(t, strings.HasSuffix(a, "_part_7.jpg"), a)
	assert.NotEqual(t, a, b, "random component differs")
}

func TestSanitizeHint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"board.png", "board.png"},
		{"../../etc/passwd", "passwd"},
		{`C:\scans\lot 4.jpg`, "lot_4.jpg"},
		{".hidden", "hidden"},
		{"naïve;rm -rf.jpg", "naverm_-rf.jpg"},
		{"", "image"},
		{"???", "image"},
		{strings.Repeat("a", 100) + ".jpg", strings.Repeat("a", 60) + ".jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SanitizeHint(tt.in))
		})
	}
}

func TestLocalStore(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "uploads")
	store, err := NewLocalStore(dir, "http://localhost:8000")
	require.NoError(t, err)
	store.now = fixedNow

	ref, err := store.Store(t.Context(), []byte("jpeg-bytes"), "scan.jpg")
	require.NoError(t, err)

	assert.Regexp(t, namePattern, ref.Name)
	assert.Equal(t, "http://localhost:8000/uploads/"+ref.Name, ref.URL)
	assert.Equal(t, BackendLocal, store.Backend())

	data, err := os.ReadFile(filepath.Join(dir, ref.Name))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestLocalStore_WriteFailure(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "uploads")
	store, err := NewLocalStore(dir, "http://localhost:8000")
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o600))

	_, err = store.Store(t.Context(), []byte("x"), "a.jpg")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryStorage))
}

func TestLocalStore_CancelledContext(t *testing.T) {
	t.Parallel()

	store, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = store.Store(ctx, []byte("x"), "a.jpg")
	require.ErrorIs(t, err, context.Canceled)
}

func newMockSupabase(t *testing.T) (*SupabaseStore, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	store, err := NewSupabaseStore(SupabaseConfig{
		URL:       "https://abc.supabase.co/",
		Key:       "service-key",
		Bucket:    "inspection-images",
		Transport: transport,
	})
	require.NoError(t, err)
	store.now = fixedNow
	return store, transport
}

func TestSupabaseStore(t *testing.T) {
	store, transport := newMockSupabase(t)

	var uploaded []byte
	transport.RegisterRegexpResponder(http.MethodPost,
		regexp.MustCompile(`^https://abc\.supabase\.co/storage/v1/object/inspection-images/scan_\d+_[0-9a-f]{8}_board\.png$`),
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "service-key", req.Header.Get("apikey"))
			assert.Equal(t, "Bearer service-key", req.Header.Get("Authorization"))
			assert.Equal(t, "image/png", req.Header.Get("Content-Type"))
			assert.Equal(t, "false", req.Header.Get("X-Upsert"))
			uploaded, _ = io.ReadAll(req.Body)
			return httpmock.NewStringResponse(http.StatusOK, `{"Key":"inspection-images/x"}`), nil
		})

	png := []byte("\x89PNG\r\n\x1a\n....")
	ref, err := store.Store(t.Context(), png, "board.png")
	require.NoError(t, err)

	assert.Equal(t, png, uploaded)
	assert.Regexp(t, namePattern, ref.Name)
	assert.Equal(t, "https://abc.supabase.co/storage/v1/object/public/inspection-images/"+ref.Name, ref.URL)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestSupabaseStore_ErrorStatus(t *testing.T) {
	store, transport := newMockSupabase(t)
	transport.RegisterRegexpResponder(http.MethodPost, regexp.MustCompile(`/storage/v1/object/`),
		httpmock.NewStringResponder(http.StatusForbidden, `{"error":"new row violates row-level security policy"}`))

	_, err := store.Store(t.Context(), []byte("x"), "a.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.True(t, errors.IsCategory(err, errors.CategoryStorage))
}

func TestNewSupabaseStore_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewSupabaseStore(SupabaseConfig{URL: "https://abc.supabase.co"})
	require.Error(t, err)
	_, err = NewSupabaseStore(SupabaseConfig{URL: "https://abc.supabase.co", Key: "k"})
	require.Error(t, err)
}

func TestNewSFTPStore_Validation(t *testing.T) {
	t.Parallel()

	base := SFTPConfig{Host: "files", Username: "scan", Password: "pw", PublicURL: "https://files.example.com/scans/"}

	store, err := NewSFTPStore(base)
	require.NoError(t, err)
	assert.Equal(t, 22, store.cfg.Port)
	assert.Equal(t, "https://files.example.com/scans", store.cfg.PublicURL)

	noAuth := base
	noAuth.Password = ""
	_, err = NewSFTPStore(noAuth)
	require.ErrorContains(t, err, "password or key_file")

	noURL := base
	noURL.PublicURL = ""
	_, err = NewSFTPStore(noURL)
	require.ErrorContains(t, err, "public_url")
}

// inMemorySFTP serves one shared in-memory filesystem over pipes.
func inMemorySFTP(t *testing.T) (dial func(context.Context) (*sftpSession, error)) {
	t.Helper()
	handlers := sftp.InMemHandler()

	return func(context.Context) (*sftpSession, error) {
		clientRead, serverWrite := io.Pipe()
		serverRead, clientWrite := io.Pipe()

		server := sftp.NewRequestServer(struct {
			io.Reader
			io.WriteCloser
		}{serverRead, serverWrite}, handlers)
		go func() { _ = server.Serve() }()

		client, err := sftp.NewClientPipe(clientRead, clientWrite)
		if err != nil {
			return nil, err
		}
		return &sftpSession{Client: client}, nil
	}
}

func TestSFTPStore(t *testing.T) {
	store, err := NewSFTPStore(SFTPConfig{
		Host:      "files",
		Username:  "scan",
		Password:  "pw",
		Path:      "/srv/scans",
		PublicURL: "https://files.example.com/scans",
	})
	require.NoError(t, err)
	store.now = fixedNow
	store.dial = inMemorySFTP(t)

	ref, err := store.Store(t.Context(), []byte("tiff-bytes"), "lot 9.tiff")
	require.NoError(t, err)
	assert.Regexp(t, namePattern, ref.Name)
	assert.Equal(t, "https://files.example.com/scans/"+ref.Name, ref.URL)

	client, err := store.dial(t.Context())
	require.NoError(t, err)
	defer client.Close()

	f, err := client.Open("/srv/scans/" + ref.Name)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "tiff-bytes", string(data))
}

func TestSFTPStore_ConnectFailure(t *testing.T) {
	t.Parallel()

	store, err := NewSFTPStore(SFTPConfig{
		Host:      "127.0.0.1",
		Port:      1,
		Username:  "scan",
		KeyFile:   filepath.Join(t.TempDir(), "missing_key"),
		PublicURL: "https://files.example.com",
	})
	require.NoError(t, err)

	_, err = store.Store(t.Context(), []byte("x"), "a.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read private key")
	assert.True(t, errors.IsCategory(err, errors.CategoryStorage))
}

func TestNew(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Server.BaseURL = "http://localhost:8000"
	settings.Storage.Artifacts.Local.Dir = filepath.Join(t.TempDir(), "uploads")

	store, err := New(settings)
	require.NoError(t, err)
	assert.Equal(t, BackendLocal, store.Backend())

	settings.Storage.Artifacts.Backend = BackendSupabase
	settings.Storage.Supabase.URL = "https://abc.supabase.co"
	settings.Storage.Supabase.Key = "key"
	settings.Storage.Supabase.Bucket = "inspection-images"
	store, err = New(settings, WithTransport(httpmock.NewMockTransport()))
	require.NoError(t, err)
	assert.Equal(t, BackendSupabase, store.Backend())

	settings.Storage.Artifacts.Backend = BackendSFTP
	_, err = New(settings)
	require.Error(t, err, "sftp without host is rejected")

	settings.Storage.Artifacts.Backend = BackendFTP
	settings.Storage.Artifacts.FTP.Host = "files"
	settings.Storage.Artifacts.FTP.PublicURL = "https://files.example.com/scans"
	store, err = New(settings)
	require.NoError(t, err)
	assert.Equal(t, BackendFTP, store.Backend())

	settings.Storage.Artifacts.Backend = "s3"
	_, err = New(settings)
	require.Error(t, err)
}

// fakeFTP records what the store does over one connection.
type fakeFTP struct {
	files   map[string][]byte
	dirs    []string
	storErr error
	deleted []string
	quit    bool
}

func newFakeFTP() *fakeFTP { return &fakeFTP{files: map[string][]byte{}} }

func (f *fakeFTP) MakeDir(path string) error {
	f.dirs = append(f.dirs, path)
	return fmt.Errorf("550 %s: file exists", path)
}

func (f *fakeFTP) Stor(path string, r io.Reader) error {
	if f.storErr != nil {
		return f.storErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.files[path] = data
	return nil
}

func (f *fakeFTP) Rename(from, to string) error {
	data, ok := f.files[from]
	if !ok {
		return fmt.Errorf("550 %s: no such file", from)
	}
	delete(f.files, from)
	f.files[to] = data
	return nil
}

func (f *fakeFTP) Delete(path string) error {
	f.deleted = append(f.deleted, path)
	delete(f.files, path)
	return nil
}

func (f *fakeFTP) Quit() error {
	f.quit = true
	return nil
}

func TestNewFTPStore_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewFTPStore(FTPConfig{PublicURL: "https://files.example.com"})
	require.Error(t, err)
	_, err = NewFTPStore(FTPConfig{Host: "files"})
	require.Error(t, err)

	store, err := NewFTPStore(FTPConfig{Host: "files", Path: "/scans/", PublicURL: "https://files.example.com/scans/"})
	require.NoError(t, err)
	assert.Equal(t, 21, store.cfg.Port)
	assert.Equal(t, "scans", store.cfg.Path)
	assert.Equal(t, "https://files.example.com/scans", store.cfg.PublicURL)
}

func TestFTPStore(t *testing.T) {
	t.Parallel()

	conn := newFakeFTP()
	store, err := NewFTPStore(FTPConfig{Host: "files", Path: "scans", PublicURL: "https://files.example.com/scans"})
	require.NoError(t, err)
	store.now = fixedNow
	store.dial = func(context.Context) (ftpConn, error) { return conn, nil }

	ref, err := store.Store(t.Context(), []byte("jpeg-bytes"), "part 7.jpg")
	require.NoError(t, err, "an existing directory is not an error")
	assert.Regexp(t, namePattern, ref.Name)
	assert.Equal(t, "https://files.example.com/scans/"+ref.Name, ref.URL)

	assert.Equal(t, []string{"scans"}, conn.dirs)
	require.Len(t, conn.files, 1, "only the final name remains")
	assert.Equal(t, "jpeg-bytes", string(conn.files["scans/"+ref.Name]))
	assert.True(t, conn.quit)
}

func TestFTPStore_UploadFailure(t *testing.T) {
	t.Parallel()

	conn := newFakeFTP()
	conn.storErr = fmt.Errorf("552 quota exceeded")
	store, err := NewFTPStore(FTPConfig{Host: "files", PublicURL: "https://files.example.com"})
	require.NoError(t, err)
	store.dial = func(context.Context) (ftpConn, error) { return conn, nil }

	_, err = store.Store(t.Context(), []byte("x"), "a.jpg")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryStorage))
	assert.Contains(t, err.Error(), "quota exceeded")
	require.Len(t, conn.deleted, 1, "the temporary file is removed")
	assert.True(t, strings.HasPrefix(conn.deleted[0], ".upload-scan_"))
	assert.Empty(t, conn.dirs, "no directory configured")
}

// stalledFTP holds Stor until the connection is closed.
type stalledFTP struct {
	started  chan struct{}
	closed   chan struct{}
	storDone atomic.Bool
	quits    atomic.Int32
}

func newStalledFTP() *stalledFTP {
	return &stalledFTP{started: make(chan struct{}), closed: make(chan struct{})}
}

func (f *stalledFTP) MakeDir(string) error        { return nil }
func (f *stalledFTP) Rename(string, string) error { return nil }
func (f *stalledFTP) Delete(string) error         { return fmt.Errorf("550 transfer in progress") }

func (f *stalledFTP) Stor(string, io.Reader) error {
	close(f.started)
	<-f.closed
	f.storDone.Store(true)
	return fmt.Errorf("426 connection closed; transfer aborted")
}

func (f *stalledFTP) Quit() error {
	if f.quits.Add(1) == 1 {
		close(f.closed)
	}
	return nil
}

func TestFTPStore_Cancelled(t *testing.T) {
	t.Parallel()

	stalled := newStalledFTP()
	cleanup := newFakeFTP()
	store, err := NewFTPStore(FTPConfig{Host: "files", Path: "scans", PublicURL: "https://files.example.com"})
	require.NoError(t, err)
	conns := []ftpConn{stalled, cleanup}
	store.dial = func(context.Context) (ftpConn, error) {
		c := conns[0]
		conns = conns[1:]
		return c, nil
	}

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		<-stalled.started
		cancel()
	}()

	_, err = store.Store(ctx, []byte("jpeg-bytes"), "a.jpg")
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, errors.IsCategory(err, errors.CategoryStorage))

	assert.True(t, stalled.storDone.Load(), "Store returns only after the transfer stopped")
	assert.Equal(t, int32(1), stalled.quits.Load(), "the connection is closed once")

	require.Len(t, cleanup.deleted, 1, "the partial file is removed over a new connection")
	assert.True(t, strings.HasPrefix(cleanup.deleted[0], "scans/.upload-scan_"))
	assert.True(t, cleanup.quit)
	assert.Empty(t, conns)
}

func TestFTPStore_ConnectFailure(t *testing.T) {
	t.Parallel()

	store, err := NewFTPStore(FTPConfig{Host: "files", PublicURL: "https://files.example.com"})
	require.NoError(t, err)
	store.dial = func(context.Context) (ftpConn, error) { return nil, fmt.Errorf("ftp: connect files:21: refused") }

	_, err = store.Store(t.Context(), []byte("x"), "a.jpg")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryStorage))
}
