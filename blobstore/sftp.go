package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSFTPPort = 22

	sftpTimeout = 30 * time.Second
)

// sftpSession is an SFTP client together with whatever carries it.
type sftpSession struct {
	*sftp.Client

	transport io.Closer
}

// Close ends the SFTP session and then its transport.
func (s *sftpSession) Close() error {
	err := s.Client.Close()
	if s.transport != nil {
		if terr := s.transport.Close(); err == nil {
			err = terr
		}
	}

	return err
}

// SFTPDriver stores blobs as files in a directory reached over SSH.
type SFTPDriver struct {
	basePath string
	connect  func(ctx context.Context) (*sftpSession, error)
}

// NewSFTPDriver authenticates with the configured private key. The server
// key must be listed in the known hosts file.
func NewSFTPDriver(cfg *SFTPConfig) (*SFTPDriver, error) {
	keyBytes, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, storeErr("sftp", "read key", cfg.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, storeErr("sftp", "parse key", cfg.KeyFile, err)
	}

	knownHostsFile := cfg.KnownHosts
	if knownHostsFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, storeErr("sftp", "known hosts", "", err)
		}
		knownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeys, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, storeErr("sftp", "known hosts", knownHostsFile, err)
	}

	port := cfg.Port
	if port == 0 {
		port = defaultSFTPPort
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(int(port)))

	sshCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         sftpTimeout,
	}

	connect := func(ctx context.Context) (*sftpSession, error) {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}

		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		sshClient := ssh.NewClient(sshConn, chans, reqs)

		client, err := sftp.NewClient(sshClient)
		if err != nil {
			sshClient.Close()
			return nil, err
		}

		return &sftpSession{Client: client, transport: sshClient}, nil
	}

	return &SFTPDriver{
		basePath: cfg.BasePath,
		connect:  connect,
	}, nil
}

// Name returns "sftp".
func (d *SFTPDriver) Name() string {
	return "sftp"
}

func (d *SFTPDriver) dir() string {
	if d.basePath == "" {
		return "."
	}

	return d.basePath
}

func (d *SFTPDriver) withSession(ctx context.Context, op, key string,
	f func(*sftpSession) error) error {

	s, err := d.connect(ctx)
	if err != nil {
		return storeErr(d.Name(), op, key, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Debugf("Unable to close sftp session: %v", err)
		}
	}()

	return f(s)
}

// List returns the regular files of the base directory.
func (d *SFTPDriver) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := d.withSession(ctx, "list", "", func(s *sftpSession) error {
		infos, err := s.ReadDir(d.dir())
		if err != nil {
			return storeErr(d.Name(), "list", "", err)
		}

		keys = make([]string, 0, len(infos))
		for _, info := range infos {
			if info.Mode().IsRegular() {
				keys = append(keys, info.Name())
			}
		}

		return nil
	})

	return keys, err
}

// Fetch downloads key.
func (d *SFTPDriver) Fetch(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := d.withSession(ctx, "fetch", key, func(s *sftpSession) error {
		f, err := s.Open(path.Join(d.dir(), key))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%w: %v", ErrNotFound, key)

		case err != nil:
			return storeErr(d.Name(), "fetch", key, err)
		}
		defer f.Close()

		data, err = io.ReadAll(f)
		if err != nil {
			return storeErr(d.Name(), "fetch", key, err)
		}

		return nil
	})

	return data, err
}

// Upload stores data as key, creating the base directory if needed.
func (d *SFTPDriver) Upload(ctx context.Context, key string,
	data []byte) (int, error) {

	var n int
	err := d.withSession(ctx, "upload", key, func(s *sftpSession) error {
		if err := s.MkdirAll(d.dir()); err != nil {
			return storeErr(d.Name(), "upload", key, err)
		}

		f, err := s.Create(path.Join(d.dir(), key))
		if err != nil {
			return storeErr(d.Name(), "upload", key, err)
		}

		n, err = f.Write(data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return storeErr(d.Name(), "upload", key, err)
		}

		return nil
	})

	return n, err
}
