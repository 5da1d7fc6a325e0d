// Package blobstore holds the shared blob store the bridge participants
// publish their graph state to.
package blobstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBlobStore wraps every failure talking to a storage backend.
	ErrBlobStore = errors.New("blob store failure")

	// ErrNotFound is returned when fetching a key the backend does not
	// have.
	ErrNotFound = errors.New("blob not found")

	// ErrNoDriver is returned when no backend has credentials.
	ErrNoDriver = errors.New("Bridge client is missing AWS S3, FTP, " +
		"FTPS, SFTP or local store credentials")
)

// Driver is a flat key to blob mapping. Implementations open whatever
// connection they need per call and must be safe for concurrent use.
type Driver interface {
	// Name identifies the backend in logs.
	Name() string

	// List returns every key in the store, in no particular order.
	List(ctx context.Context) ([]string, error)

	// Fetch returns the blob stored under key.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Upload stores data under key and returns the number of bytes
	// written.
	Upload(ctx context.Context, key string, data []byte) (int, error)
}

// S3Config holds the credentials of an S3 compatible bucket.
type S3Config struct {
	AccessKeyID     string `long:"accesskeyid" env:"BRIDGE_AWS_ACCESS_KEY_ID" description:"S3 access key id"`
	SecretAccessKey string `long:"secretaccesskey" env:"BRIDGE_AWS_SECRET_ACCESS_KEY" description:"S3 secret access key"`
	Region          string `long:"region" env:"BRIDGE_AWS_REGION" description:"S3 region"`
	Bucket          string `long:"bucket" env:"BRIDGE_AWS_BUCKET" description:"S3 bucket holding the bridge data"`
	Endpoint        string `long:"endpoint" env:"BRIDGE_AWS_ENDPOINT" description:"Custom endpoint for S3 compatible services"`
}

func (c *S3Config) configured() bool {
	return c != nil && c.AccessKeyID != "" && c.SecretAccessKey != "" &&
		c.Region != "" && c.Bucket != ""
}

// FTPConfig holds the credentials of a plain FTP server.
type FTPConfig struct {
	Host     string `long:"host" env:"BRIDGE_FTP_HOST" description:"FTP host"`
	Port     uint16 `long:"port" env:"BRIDGE_FTP_PORT" description:"FTP port"`
	Username string `long:"username" env:"BRIDGE_FTP_USERNAME" description:"FTP user"`
	Password string `long:"password" env:"BRIDGE_FTP_PASSWORD" description:"FTP password"`
	BasePath string `long:"basepath" env:"BRIDGE_FTP_BASE_PATH" description:"Directory holding the bridge data"`
}

func (c *FTPConfig) configured() bool {
	return c != nil && c.Host != "" && c.Username != "" && c.Password != ""
}

// FTPSConfig holds the credentials of an FTP server reached over explicit
// TLS.
type FTPSConfig struct {
	Host     string `long:"host" env:"BRIDGE_FTPS_HOST" description:"FTPS host"`
	Port     uint16 `long:"port" env:"BRIDGE_FTPS_PORT" description:"FTPS port"`
	Username string `long:"username" env:"BRIDGE_FTPS_USERNAME" description:"FTPS user"`
	Password string `long:"password" env:"BRIDGE_FTPS_PASSWORD" description:"FTPS password"`
	BasePath string `long:"basepath" env:"BRIDGE_FTPS_BASE_PATH" description:"Directory holding the bridge data"`
}

func (c *FTPSConfig) configured() bool {
	return c != nil && c.Host != "" && c.Username != "" && c.Password != ""
}

// SFTPConfig holds the credentials of an SSH server.
type SFTPConfig struct {
	Host       string `long:"host" env:"BRIDGE_SFTP_HOST" description:"SFTP host"`
	Port       uint16 `long:"port" env:"BRIDGE_SFTP_PORT" description:"SFTP port"`
	Username   string `long:"username" env:"BRIDGE_SFTP_USERNAME" description:"SFTP user"`
	KeyFile    string `long:"keyfile" env:"BRIDGE_SFTP_KEYFILE" description:"Private key used to authenticate"`
	KnownHosts string `long:"knownhosts" env:"BRIDGE_SFTP_KNOWN_HOSTS" description:"known_hosts file used to check the server key, defaults to ~/.ssh/known_hosts"`
	BasePath   string `long:"basepath" env:"BRIDGE_SFTP_BASE_PATH" description:"Directory holding the bridge data"`
}

func (c *SFTPConfig) configured() bool {
	return c != nil && c.Host != "" && c.Username != "" && c.KeyFile != ""
}

// LocalConfig points the store at a local directory, which is mostly useful
// for tests and single machine demos.
type LocalConfig struct {
	Path string `long:"path" env:"BRIDGE_LOCAL_STORE_PATH" description:"Directory used as a local blob store"`
}

func (c *LocalConfig) configured() bool {
	return c != nil && c.Path != ""
}

// Config holds the credentials of every supported backend. The first
// configured backend in field order is used.
type Config struct {
	S3    *S3Config    `group:"s3" namespace:"s3"`
	FTP   *FTPConfig   `group:"ftp" namespace:"ftp"`
	FTPS  *FTPSConfig  `group:"ftps" namespace:"ftps"`
	SFTP  *SFTPConfig  `group:"sftp" namespace:"sftp"`
	Local *LocalConfig `group:"local" namespace:"local"`
}

// DefaultConfig returns a config with every group allocated and nothing
// configured.
func DefaultConfig() *Config {
	return &Config{
		S3:    &S3Config{},
		FTP:   &FTPConfig{Port: defaultFTPPort},
		FTPS:  &FTPSConfig{Port: defaultFTPPort},
		SFTP:  &SFTPConfig{Port: defaultSFTPPort},
		Local: &LocalConfig{},
	}
}

// Backend returns the name of the backend NewDriver would pick, or
// ErrNoDriver.
func (c *Config) Backend() (string, error) {
	switch {
	case c == nil:
		return "", ErrNoDriver
	case c.S3.configured():
		return "s3", nil
	case c.FTP.configured():
		return "ftp", nil
	case c.FTPS.configured():
		return "ftps", nil
	case c.SFTP.configured():
		return "sftp", nil
	case c.Local.configured():
		return "local", nil
	default:
		return "", ErrNoDriver
	}
}

// NewDriver creates the driver of the first configured backend.
func NewDriver(ctx context.Context, cfg *Config) (Driver, error) {
	backend, err := cfg.Backend()
	if err != nil {
		return nil, err
	}

	log.Infof("Using %v blob store", backend)

	switch backend {
	case "s3":
		return NewS3Driver(ctx, cfg.S3)

	case "ftp":
		return NewFTPDriver(cfg.FTP), nil

	case "ftps":
		return NewFTPSDriver(cfg.FTPS), nil

	case "sftp":
		return NewSFTPDriver(cfg.SFTP)

	case "local":
		return NewLocalDriver(cfg.Local.Path)

	default:
		return nil, fmt.Errorf("unknown backend %v", backend)
	}
}

// storeErr wraps err as a backend failure of op on key.
func storeErr(driver, op, key string, err error) error {
	if key == "" {
		return fmt.Errorf("%w: %s %s: %v", ErrBlobStore, driver, op, err)
	}

	return fmt.Errorf("%w: %s %s %s: %v", ErrBlobStore, driver, op, key,
		err)
}
