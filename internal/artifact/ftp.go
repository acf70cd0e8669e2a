package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/markscan/markscan/internal/logger"
)

const defaultFTPTimeout = 30 * time.Second

// FTPConfig addresses a remote directory that a web server publishes at PublicURL.
type FTPConfig struct {
	Host      string
	Port      int
	Username  string // empty logs in anonymously
	Password  string
	Path      string
	PublicURL string
	Timeout   time.Duration
}

// ftpConn is the part of *ftp.ServerConn the store uses.
type ftpConn interface {
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Rename(from, to string) error
	Delete(path string) error
	Quit() error
}

// FTPStore uploads artifacts over FTP. Each upload opens its own connection.
type FTPStore struct {
	cfg  FTPConfig
	now  func() time.Time
	dial func(ctx context.Context) (ftpConn, error)
}

// NewFTPStore validates cfg. No connection is made until the first upload.
func NewFTPStore(cfg FTPConfig) (*FTPStore, error) {
	switch {
	case cfg.Host == "":
		return nil, fmt.Errorf("ftp: host is required")
	case cfg.PublicURL == "":
		return nil, fmt.Errorf("ftp: public_url is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 21
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFTPTimeout
	}
	cfg.Path = strings.Trim(cfg.Path, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	s := &FTPStore{cfg: cfg, now: time.Now}
	s.dial = s.connect
	return s, nil
}

// Backend implements Store.
func (s *FTPStore) Backend() string { return BackendFTP }

// Store uploads data under a temporary name and renames it into place, so a
// web server never publishes a partial file.
func (s *FTPStore) Store(ctx context.Context, data []byte, hint string) (Ref, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return Ref{}, storageError(err, BackendFTP, "connect")
	}
	quit := sync.OnceValue(conn.Quit)
	defer func() { _ = quit() }()

	if s.cfg.Path != "" {
		// fails when the directory exists; a real problem surfaces at Stor
		_ = conn.MakeDir(s.cfg.Path)
	}

	name := NewName(s.now(), hint)
	remote := path.Join(s.cfg.Path, name)
	temp := path.Join(s.cfg.Path, ".upload-"+name)

	if err := s.upload(ctx, conn, quit, temp, data); err != nil {
		if ctx.Err() != nil {
			s.removeTemp(ctx, temp)
		} else {
			_ = conn.Delete(temp)
		}
		return Ref{}, storageError(err, BackendFTP, "upload")
	}
	if err := conn.Rename(temp, remote); err != nil {
		_ = conn.Delete(temp)
		return Ref{}, storageError(fmt.Errorf("ftp: rename %s: %w", temp, err), BackendFTP, "upload")
	}

	GetLogger().Debug("artifact stored",
		logger.String("backend", BackendFTP),
		logger.String("host", s.cfg.Host),
		logger.String("path", remote),
		logger.Int("bytes", len(data)))

	return Ref{Name: name, URL: s.cfg.PublicURL + "/" + name}, nil
}

// upload runs Stor until it finishes or ctx is done. On cancellation the
// connection is closed through quit and Stor is waited for, so conn is never
// used by two goroutines.
func (s *FTPStore) upload(ctx context.Context, conn ftpConn, quit func() error, remote string, data []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- conn.Stor(remote, bytes.NewReader(data))
	}()

	select {
	case <-ctx.Done():
		_ = quit()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ftp: store %s: %w", remote, err)
		}
		return nil
	}
}

// removeTemp deletes an aborted upload over a new connection.
func (s *FTPStore) removeTemp(ctx context.Context, temp string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()

	conn, err := s.dial(ctx)
	if err == nil {
		defer func() { _ = conn.Quit() }()
		err = conn.Delete(temp)
	}
	if err != nil {
		GetLogger().Warn("aborted upload left on FTP server",
			logger.String("host", s.cfg.Host),
			logger.String("path", temp),
			logger.Error(err))
	}
}

func (s *FTPStore) connect(ctx context.Context) (ftpConn, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(s.cfg.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp: connect %s: %w", addr, err)
	}

	user, pass := s.cfg.Username, s.cfg.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftp: login as %s: %w", user, err)
	}
	return conn, nil
}
