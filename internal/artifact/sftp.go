package artifact

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/markscan/markscan/internal/logger"
)

const defaultSFTPTimeout = 30 * time.Second

// SFTPConfig addresses a remote directory that a web server publishes at PublicURL.
type SFTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	KeyFile   string
	Path      string
	PublicURL string
	Timeout   time.Duration
}

// SFTPStore uploads artifacts over SFTP. Each upload opens its own connection.
type SFTPStore struct {
	cfg  SFTPConfig
	now  func() time.Time
	dial func(ctx context.Context) (*sftpSession, error)
}

// sftpSession owns the SSH connection under an SFTP client. Closing the
// client alone leaves the connection open.
type sftpSession struct {
	*sftp.Client
	conn *ssh.Client // nil for piped sessions
}

func (s *sftpSession) Close() error {
	err := s.Client.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// NewSFTPStore validates cfg. No connection is made until the first upload.
func NewSFTPStore(cfg SFTPConfig) (*SFTPStore, error) {
	switch {
	case cfg.Host == "":
		return nil, fmt.Errorf("sftp: host is required")
	case cfg.Username == "":
		return nil, fmt.Errorf("sftp: username is required")
	case cfg.Password == "" && cfg.KeyFile == "":
		return nil, fmt.Errorf("sftp: password or key_file is required")
	case cfg.PublicURL == "":
		return nil, fmt.Errorf("sftp: public_url is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSFTPTimeout
	}
	if cfg.Path == "" {
		cfg.Path = "."
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	s := &SFTPStore{cfg: cfg, now: time.Now}
	s.dial = s.connect
	return s, nil
}

// Backend implements Store.
func (s *SFTPStore) Backend() string { return BackendSFTP }

// Store uploads data to <path>/<name> and returns <public_url>/<name>.
func (s *SFTPStore) Store(ctx context.Context, data []byte, hint string) (Ref, error) {
	client, err := s.dial(ctx)
	if err != nil {
		return Ref{}, storageError(err, BackendSFTP, "connect")
	}
	defer func() { _ = client.Close() }()

	if err := client.MkdirAll(s.cfg.Path); err != nil {
		return Ref{}, storageError(fmt.Errorf("sftp: create %s: %w", s.cfg.Path, err), BackendSFTP, "upload")
	}

	name := NewName(s.now(), hint)
	remote := path.Join(s.cfg.Path, name)

	f, err := client.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return Ref{}, storageError(fmt.Errorf("sftp: create %s: %w", remote, err), BackendSFTP, "upload")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return Ref{}, storageError(fmt.Errorf("sftp: write %s: %w", remote, err), BackendSFTP, "upload")
	}
	if err := f.Close(); err != nil {
		return Ref{}, storageError(fmt.Errorf("sftp: close %s: %w", remote, err), BackendSFTP, "upload")
	}

	GetLogger().Debug("artifact stored",
		logger.String("backend", BackendSFTP),
		logger.String("host", s.cfg.Host),
		logger.String("path", remote),
		logger.Int("bytes", len(data)))

	return Ref{Name: name, URL: s.cfg.PublicURL + "/" + name}, nil
}

// connect dials SSH in the background so ctx cancellation is honoured during the handshake.
func (s *SFTPStore) connect(ctx context.Context) (*sftpSession, error) {
	type result struct {
		session *sftpSession
		err     error
	}
	done := make(chan result, 1)

	go func() {
		auth, err := s.authMethod()
		if err != nil {
			done <- result{err: err}
			return
		}
		config := &ssh.ClientConfig{
			User:            s.cfg.Username,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // artifact hosts are on the plant network
			Timeout:         s.cfg.Timeout,
		}

		addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
		conn, err := ssh.Dial("tcp", addr, config)
		if err != nil {
			done <- result{err: fmt.Errorf("sftp: connect %s: %w", addr, err)}
			return
		}
		client, err := sftp.NewClient(conn)
		if err != nil {
			_ = conn.Close()
			done <- result{err: fmt.Errorf("sftp: start session: %w", err)}
			return
		}
		done <- result{session: &sftpSession{Client: client, conn: conn}}
	}()

	select {
	case <-ctx.Done():
		// close a late connection instead of leaking it
		go func() {
			if r := <-done; r.session != nil {
				_ = r.session.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		return r.session, r.err
	}
}

func (s *SFTPStore) authMethod() (ssh.AuthMethod, error) {
	if s.cfg.KeyFile != "" {
		key, err := os.ReadFile(s.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("sftp: parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	return ssh.Password(s.cfg.Password), nil
}
