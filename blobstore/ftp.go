package blobstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"path"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"
)

const (
	defaultFTPPort = 21

	ftpTimeout = 30 * time.Second
)

// ftpConn is the part of an FTP session the driver uses.
type ftpConn interface {
	NameList(dir string) ([]string, error)
	Retr(file string) (io.ReadCloser, error)
	Stor(file string, r io.Reader) error
	Quit() error
}

// serverConn adapts *ftp.ServerConn to ftpConn.
type serverConn struct {
	*ftp.ServerConn
}

// Retr opens file for reading.
func (c serverConn) Retr(file string) (io.ReadCloser, error) {
	resp, err := c.ServerConn.Retr(file)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// FTPDriver stores blobs as files in a directory of an FTP server. A fresh
// session is opened for every call.
type FTPDriver struct {
	name     string
	basePath string
	dial     func(ctx context.Context) (ftpConn, error)
}

// NewFTPDriver returns a driver for a plain FTP server.
func NewFTPDriver(cfg *FTPConfig) *FTPDriver {
	return newFTPDriver(
		"ftp", cfg.Host, cfg.Port, cfg.Username, cfg.Password,
		cfg.BasePath, nil,
	)
}

// NewFTPSDriver returns a driver for an FTP server upgraded to TLS with
// AUTH TLS.
func NewFTPSDriver(cfg *FTPSConfig) *FTPDriver {
	tlsCfg := &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	return newFTPDriver(
		"ftps", cfg.Host, cfg.Port, cfg.Username, cfg.Password,
		cfg.BasePath, tlsCfg,
	)
}

func newFTPDriver(name, host string, port uint16, user, password,
	basePath string, tlsCfg *tls.Config) *FTPDriver {

	if port == 0 {
		port = defaultFTPPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	dial := func(ctx context.Context) (ftpConn, error) {
		opts := []ftp.DialOption{
			ftp.DialWithContext(ctx),
			ftp.DialWithTimeout(ftpTimeout),
		}
		if tlsCfg != nil {
			opts = append(opts, ftp.DialWithExplicitTLS(tlsCfg))
		}

		c, err := ftp.Dial(addr, opts...)
		if err != nil {
			return nil, err
		}
		if err := c.Login(user, password); err != nil {
			_ = c.Quit()
			return nil, err
		}

		return serverConn{c}, nil
	}

	return &FTPDriver{
		name:     name,
		basePath: basePath,
		dial:     dial,
	}
}

// Name returns "ftp" or "ftps".
func (d *FTPDriver) Name() string {
	return d.name
}

func (d *FTPDriver) dir() string {
	if d.basePath == "" {
		return "."
	}

	return d.basePath
}

func (d *FTPDriver) withConn(ctx context.Context, op, key string,
	f func(ftpConn) error) error {

	c, err := d.dial(ctx)
	if err != nil {
		return storeErr(d.name, op, key, err)
	}
	defer func() {
		if err := c.Quit(); err != nil {
			log.Debugf("Unable to close %v session: %v", d.name, err)
		}
	}()

	if err := f(c); err != nil {
		return storeErr(d.name, op, key, err)
	}

	return nil
}

// List returns the file names of the base directory. Servers that answer
// NLST with full paths are handled by keeping the last element only.
func (d *FTPDriver) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := d.withConn(ctx, "list", "", func(c ftpConn) error {
		names, err := c.NameList(d.dir())
		if err != nil {
			return err
		}

		keys = make([]string, 0, len(names))
		for _, name := range names {
			keys = append(keys, path.Base(name))
		}

		return nil
	})

	return keys, err
}

// Fetch downloads key.
func (d *FTPDriver) Fetch(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := d.withConn(ctx, "fetch", key, func(c ftpConn) error {
		r, err := c.Retr(path.Join(d.dir(), key))
		if err != nil {
			return err
		}
		defer r.Close()

		data, err = io.ReadAll(r)

		return err
	})

	return data, err
}

// Upload stores data as key.
func (d *FTPDriver) Upload(ctx context.Context, key string,
	data []byte) (int, error) {

	err := d.withConn(ctx, "upload", key, func(c ftpConn) error {
		return c.Stor(path.Join(d.dir(), key), bytes.NewReader(data))
	})
	if err != nil {
		return 0, err
	}

	return len(data), nil
}
