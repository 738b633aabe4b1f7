// Package filetransfer fetches traces from and uploads results to a remote
// host over SFTP.
package filetransfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tracebench/tracebench/internal/config"
)

const (
	// DefaultConnectTimeout is the default timeout for establishing SSH connections
	DefaultConnectTimeout = 30 * time.Second
)

// Credentials holds SSH connection details for file transfer
type Credentials struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte // PEM-encoded private key
}

// Validate checks that the credentials have all required fields
func (c *Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if len(c.PrivateKey) == 0 {
		return fmt.Errorf("private key cannot be empty")
	}
	return nil
}

// CredentialsFromConfig reads the private key named by the remote config
func CredentialsFromConfig(cfg config.RemoteConfig) (Credentials, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read private key: %w", err)
	}

	creds := Credentials{
		Host:       cfg.Host,
		Port:       cfg.Port,
		User:       cfg.User,
		PrivateKey: key,
	}
	if creds.Port == 0 {
		creds.Port = 22
	}
	return creds, creds.Validate()
}

// Transfer moves trace and result files over SSH/SFTP
type Transfer struct {
	creds          Credentials
	connectTimeout time.Duration
}

// Option configures a Transfer instance
type Option func(*Transfer)

// WithConnectTimeout sets the connection timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transfer) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

// New creates a new Transfer instance with the given credentials
func New(creds Credentials, opts ...Option) *Transfer {
	t := &Transfer{
		creds:          creds,
		connectTimeout: DefaultConnectTimeout,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// FetchTrace downloads a remote trace file to localPath. The file is written
// under a temporary name and renamed once complete, so a failed fetch never
// leaves a truncated trace behind.
func (t *Transfer) FetchTrace(ctx context.Context, remotePath, localPath string) error {
	if remotePath == "" {
		return fmt.Errorf("remote path cannot be empty")
	}
	if localPath == "" {
		return fmt.Errorf("local path cannot be empty")
	}

	sess, err := t.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	remoteFile, err := sess.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote trace: %w", err)
	}
	defer remoteFile.Close()

	if dir := filepath.Dir(localPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create local directory: %w", err)
		}
	}

	tmp := localPath + ".part"
	localFile, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}

	err = copyContext(ctx, localFile, remoteFile)
	closeErr := localFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to download trace: %w", err)
	}

	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move trace into place: %w", err)
	}
	return nil
}

// UploadResults copies result files into remoteDir over one connection and
// returns the remote paths written
func (t *Transfer) UploadResults(ctx context.Context, remoteDir string, localPaths ...string) ([]string, error) {
	if remoteDir == "" {
		return nil, fmt.Errorf("remote directory cannot be empty")
	}
	for _, p := range localPaths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat local file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("local path %s is a directory, not a file", p)
		}
	}
	if len(localPaths) == 0 {
		return nil, nil
	}

	sess, err := t.open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.sftp.MkdirAll(remoteDir); err != nil {
		return nil, fmt.Errorf("failed to create remote directory: %w", err)
	}

	uploaded := make([]string, 0, len(localPaths))
	for _, p := range localPaths {
		remotePath := path.Join(remoteDir, filepath.Base(p))
		if err := sess.upload(ctx, p, remotePath); err != nil {
			return uploaded, err
		}
		uploaded = append(uploaded, remotePath)
	}
	return uploaded, nil
}

// session is one SSH connection with an SFTP client on top
type session struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (s *session) Close() {
	s.sftp.Close()
	s.ssh.Close()
}

func (s *session) upload(ctx context.Context, localPath, remotePath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	remoteFile, err := s.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer remoteFile.Close()

	if err := copyContext(ctx, remoteFile, localFile); err != nil {
		return fmt.Errorf("failed to upload %s: %w", localPath, err)
	}
	return nil
}

func (t *Transfer) open(ctx context.Context) (*session, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}

	return &session{ssh: client, sftp: sftpClient}, nil
}

// connect establishes an SSH connection to the remote host
func (t *Transfer) connect(ctx context.Context) (*ssh.Client, error) {
	if err := t.creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(t.creds.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User: t.creds.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // Results hosts are ad hoc lab machines
		Timeout:         t.connectTimeout,
	}

	addr := net.JoinHostPort(t.creds.Host, fmt.Sprint(t.creds.Port))

	dialer := net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}

	return ssh.NewClient(c, chans, reqs), nil
}

// copyContext copies src to dst, giving up when ctx is cancelled
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(dst, src)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
