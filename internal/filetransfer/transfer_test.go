package filetransfer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/tracebench/tracebench/internal/config"
)

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr string
	}{
		{
			name:  "valid credentials",
			creds: Credentials{Host: "example.com", Port: 22, User: "bench", PrivateKey: []byte("key")},
		},
		{
			name:    "empty host",
			creds:   Credentials{Port: 22, User: "bench", PrivateKey: []byte("key")},
			wantErr: "host cannot be empty",
		},
		{
			name:    "zero port",
			creds:   Credentials{Host: "example.com", User: "bench", PrivateKey: []byte("key")},
			wantErr: "port must be between 1 and 65535",
		},
		{
			name:    "port too large",
			creds:   Credentials{Host: "example.com", Port: 70000, User: "bench", PrivateKey: []byte("key")},
			wantErr: "port must be between 1 and 65535",
		},
		{
			name:    "empty user",
			creds:   Credentials{Host: "example.com", Port: 22, PrivateKey: []byte("key")},
			wantErr: "user cannot be empty",
		},
		{
			name:    "empty key",
			creds:   Credentials{Host: "example.com", Port: 22, User: "bench"},
			wantErr: "private key cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCredentialsFromConfig(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("key-bytes"), 0600))

	t.Run("reads key and defaults port", func(t *testing.T) {
		creds, err := CredentialsFromConfig(config.RemoteConfig{Host: "lab", User: "bench", KeyPath: keyPath})
		require.NoError(t, err)
		assert.Equal(t, 22, creds.Port)
		assert.Equal(t, []byte("key-bytes"), creds.PrivateKey)
	})

	t.Run("missing key file", func(t *testing.T) {
		_, err := CredentialsFromConfig(config.RemoteConfig{Host: "lab", User: "bench", KeyPath: keyPath + ".missing"})
		assert.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	creds := Credentials{Host: "example.com", Port: 22, User: "bench", PrivateKey: []byte("key")}

	assert.Equal(t, DefaultConnectTimeout, New(creds).connectTimeout)
	assert.Equal(t, 5*time.Second, New(creds, WithConnectTimeout(5*time.Second)).connectTimeout)
	assert.Equal(t, DefaultConnectTimeout, New(creds, WithConnectTimeout(0)).connectTimeout)
}

func TestTransfer_UploadResults_LocalChecks(t *testing.T) {
	tr := New(Credentials{Host: "example.com", Port: 22, User: "bench", PrivateKey: []byte("key")})
	ctx := context.Background()

	t.Run("empty remote dir", func(t *testing.T) {
		_, err := tr.UploadResults(ctx, "", "a.csv")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "remote directory cannot be empty")
	})

	t.Run("missing local file", func(t *testing.T) {
		_, err := tr.UploadResults(ctx, "/results", filepath.Join(t.TempDir(), "nope.csv"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to stat local file")
	})

	t.Run("directory", func(t *testing.T) {
		_, err := tr.UploadResults(ctx, "/results", t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is a directory")
	})

	t.Run("nothing to upload", func(t *testing.T) {
		uploaded, err := tr.UploadResults(ctx, "/results")
		assert.NoError(t, err)
		assert.Empty(t, uploaded)
	})
}

func TestTransfer_FetchTrace_InvalidPaths(t *testing.T) {
	tr := New(Credentials{Host: "example.com", Port: 22, User: "bench", PrivateKey: []byte("key")})

	err := tr.FetchTrace(context.Background(), "", "trace.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote path cannot be empty")

	err = tr.FetchTrace(context.Background(), "/traces/azure.csv", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local path cannot be empty")
}

func TestTransfer_InvalidPrivateKey(t *testing.T) {
	tr := New(Credentials{Host: "127.0.0.1", Port: 22, User: "bench", PrivateKey: []byte("not a key")})

	err := tr.FetchTrace(context.Background(), "/traces/azure.csv", filepath.Join(t.TempDir(), "trace.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse private key")
}

// startSFTPServer runs an in-process SSH server exposing the sftp subsystem
// on the local filesystem, accepting only the given client key
func startSFTPServer(t *testing.T, authorized ssh.PublicKey) (string, int) {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	serverConfig := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	serverConfig.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSFTP(conn, serverConfig)
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func serveSFTP(conn net.Conn, serverConfig *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, serverConfig)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				_ = req.Reply(ok, nil)
			}
		}(requests)

		go func(ch ssh.Channel) {
			server, err := sftp.NewServer(ch)
			if err != nil {
				ch.Close()
				return
			}
			_ = server.Serve()
			server.Close()
		}(channel)
	}
}

func newClientKey(t *testing.T) ([]byte, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	return pem.EncodeToMemory(block), sshPub
}

func TestTransfer_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SFTP round trip in short mode")
	}

	keyPEM, pub := newClientKey(t)
	host, port := startSFTPServer(t, pub)

	tr := New(Credentials{Host: host, Port: port, User: "bench", PrivateKey: keyPEM}, WithConnectTimeout(5*time.Second))
	ctx := context.Background()

	remoteRoot := t.TempDir()
	localRoot := t.TempDir()

	outcomes := filepath.Join(localRoot, "result_sample2_speed1.1x.csv")
	summary := filepath.Join(localRoot, "result_sample2_speed1.1x_summary.csv")
	require.NoError(t, os.WriteFile(outcomes, []byte("request_id,role\nr1,combined\n"), 0644))
	require.NoError(t, os.WriteFile(summary, []byte("group,valid\nall,true\n"), 0644))

	remoteDir := filepath.Join(remoteRoot, "runs", "01RUN")
	uploaded, err := tr.UploadResults(ctx, remoteDir, outcomes, summary)
	require.NoError(t, err)
	require.Len(t, uploaded, 2)
	assert.Equal(t, filepath.Join(remoteDir, "result_sample2_speed1.1x.csv"), uploaded[0])

	data, err := os.ReadFile(uploaded[1])
	require.NoError(t, err)
	assert.Equal(t, "group,valid\nall,true\n", string(data))

	fetched := filepath.Join(localRoot, "traces", "fetched.csv")
	require.NoError(t, tr.FetchTrace(ctx, uploaded[0], fetched))

	data, err = os.ReadFile(fetched)
	require.NoError(t, err)
	assert.Equal(t, "request_id,role\nr1,combined\n", string(data))
	_, err = os.Stat(fetched + ".part")
	assert.True(t, os.IsNotExist(err))

	t.Run("missing remote trace", func(t *testing.T) {
		err := tr.FetchTrace(ctx, filepath.Join(remoteRoot, "missing.csv"), filepath.Join(localRoot, "x.csv"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to open remote trace")
	})

	t.Run("wrong key", func(t *testing.T) {
		otherKey, _ := newClientKey(t)
		bad := New(Credentials{Host: host, Port: port, User: "bench", PrivateKey: otherKey})
		err := bad.FetchTrace(ctx, uploaded[0], filepath.Join(localRoot, "y.csv"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handshake")
	})
}

func TestTransfer_CancelledContext(t *testing.T) {
	keyPEM, pub := newClientKey(t)
	host, port := startSFTPServer(t, pub)
	tr := New(Credentials{Host: host, Port: port, User: "bench", PrivateKey: keyPEM})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.FetchTrace(ctx, "/etc/hostname", filepath.Join(t.TempDir(), "trace.csv"))
	assert.Error(t, err)
}
