package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	key1 = "1700000000001-bridge-client-data.json"
	key2 = "1700000000002-bridge-client-data.json"
)

// testDriver runs the behaviour every driver shares.
func testDriver(t *testing.T, d Driver) {
	ctx := context.Background()

	keys, err := d.List(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	n, err := d.Upload(ctx, key1, []byte(`{"version":1}`))
	require.NoError(t, err)
	require.Equal(t, 13, n)

	_, err = d.Upload(ctx, key2, []byte(`{"version":2}`))
	require.NoError(t, err)

	keys, err = d.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{key1, key2}, keys)

	data, err := d.Fetch(ctx, key2)
	require.NoError(t, err)
	require.Equal(t, `{"version":2}`, string(data))

	_, err = d.Fetch(ctx, "1700000000003-bridge-client-data.json")
	require.Error(t, err)
}

func TestLocalDriver(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")

	d, err := NewLocalDriver(dir)
	require.NoError(t, err)
	testDriver(t, d)

	ctx := context.Background()
	_, err = d.Fetch(ctx, "1700000000003-bridge-client-data.json")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = d.Upload(ctx, "../escape.json", []byte("{}"))
	require.ErrorIs(t, err, ErrInvalidKey)

	// Sub directories and temporary files are not listed.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0700))
	keys, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) ListObjectsV2(ctx context.Context,
	params *s3.ListObjectsV2Input,
	_ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {

	args := m.Called(params)

	out, _ := args.Get(0).(*s3.ListObjectsV2Output)

	return out, args.Error(1)
}

func (m *mockS3) GetObject(ctx context.Context, params *s3.GetObjectInput,
	_ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {

	args := m.Called(params)

	out, _ := args.Get(0).(*s3.GetObjectOutput)

	return out, args.Error(1)
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput,
	_ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {

	args := m.Called(params)

	out, _ := args.Get(0).(*s3.PutObjectOutput)

	return out, args.Error(1)
}

func TestS3DriverList(t *testing.T) {
	client := &mockS3{}
	d := newS3Driver(client, "bridge")

	firstPage := mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.Bucket) == "bridge" &&
			in.ContinuationToken == nil
	})
	secondPage := mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.ContinuationToken) == "next"
	})

	client.On("ListObjectsV2", firstPage).Return(&s3.ListObjectsV2Output{
		Contents:              []types.Object{{Key: aws.String(key1)}},
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("next"),
	}, nil).Once()
	client.On("ListObjectsV2", secondPage).Return(&s3.ListObjectsV2Output{
		Contents:    []types.Object{{Key: aws.String(key2)}},
		IsTruncated: aws.Bool(false),
	}, nil).Once()

	keys, err := d.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{key1, key2}, keys)
	client.AssertExpectations(t)
}

func TestS3DriverFetch(t *testing.T) {
	client := &mockS3{}
	d := newS3Driver(client, "bridge")
	ctx := context.Background()

	client.On("GetObject", &s3.GetObjectInput{
		Bucket: aws.String("bridge"),
		Key:    aws.String(key1),
	}).Return(&s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader([]byte("{}"))),
	}, nil)
	client.On("GetObject", &s3.GetObjectInput{
		Bucket: aws.String("bridge"),
		Key:    aws.String(key2),
	}).Return(nil, &types.NoSuchKey{})

	data, err := d.Fetch(ctx, key1)
	require.NoError(t, err)
	require.Equal(t, "{}", string(data))

	_, err = d.Fetch(ctx, key2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3DriverUpload(t *testing.T) {
	client := &mockS3{}
	d := newS3Driver(client, "bridge")

	var body []byte
	client.On("PutObject", mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == key1 &&
			aws.ToString(in.ContentType) == "application/json"
	})).Run(func(args mock.Arguments) {
		in := args.Get(0).(*s3.PutObjectInput)
		body, _ = io.ReadAll(in.Body)
	}).Return(&s3.PutObjectOutput{}, nil).Once()

	n, err := d.Upload(context.Background(), key1, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, `{"a":1}`, string(body))

	client.On("PutObject", mock.Anything).Return(
		nil, errors.New("access denied"),
	)
	_, err = d.Upload(context.Background(), key2, []byte(`{}`))
	require.ErrorIs(t, err, ErrBlobStore)
}

type mockFTPConn struct {
	mock.Mock
}

func (m *mockFTPConn) NameList(dir string) ([]string, error) {
	args := m.Called(dir)

	names, _ := args.Get(0).([]string)

	return names, args.Error(1)
}

func (m *mockFTPConn) Retr(file string) (io.ReadCloser, error) {
	args := m.Called(file)

	r, _ := args.Get(0).(io.ReadCloser)

	return r, args.Error(1)
}

func (m *mockFTPConn) Stor(file string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	return m.Called(file, data).Error(0)
}

func (m *mockFTPConn) Quit() error {
	return m.Called().Error(0)
}

func newMockFTPDriver(conn *mockFTPConn, dialErr error) *FTPDriver {
	return &FTPDriver{
		name:     "ftp",
		basePath: "/bridge",
		dial: func(context.Context) (ftpConn, error) {
			if dialErr != nil {
				return nil, dialErr
			}

			return conn, nil
		},
	}
}

func TestFTPDriver(t *testing.T) {
	ctx := context.Background()
	conn := &mockFTPConn{}
	d := newMockFTPDriver(conn, nil)

	conn.On("Quit").Return(nil).Times(3)
	conn.On("NameList", "/bridge").Return(
		[]string{"/bridge/" + key1, key2}, nil,
	)
	conn.On("Retr", "/bridge/"+key1).Return(
		io.NopCloser(bytes.NewReader([]byte("{}"))), nil,
	)
	conn.On("Stor", "/bridge/"+key2, []byte(`{"b":2}`)).Return(nil)

	keys, err := d.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{key1, key2}, keys)

	data, err := d.Fetch(ctx, key1)
	require.NoError(t, err)
	require.Equal(t, "{}", string(data))

	n, err := d.Upload(ctx, key2, []byte(`{"b":2}`))
	require.NoError(t, err)
	require.Equal(t, 7, n)

	conn.AssertExpectations(t)
}

func TestFTPDriverErrors(t *testing.T) {
	ctx := context.Background()

	d := newMockFTPDriver(nil, errors.New("connection refused"))
	_, err := d.List(ctx)
	require.ErrorIs(t, err, ErrBlobStore)

	conn := &mockFTPConn{}
	conn.On("Quit").Return(nil).Once()
	conn.On("Retr", "/bridge/"+key1).Return(
		nil, errors.New("550 no such file"),
	)

	d = newMockFTPDriver(conn, nil)
	_, err = d.Fetch(ctx, key1)
	require.ErrorIs(t, err, ErrBlobStore)
	conn.AssertExpectations(t)
}

func TestFTPSDriverDefaults(t *testing.T) {
	d := NewFTPSDriver(&FTPSConfig{
		Host: "ftp.example.com", Username: "u", Password: "p",
	})
	require.Equal(t, "ftps", d.Name())
	require.Equal(t, ".", d.dir())
}

// newMemSFTPDriver serves every session from one in-memory file system.
func newMemSFTPDriver(t *testing.T) *SFTPDriver {
	handlers := sftp.InMemHandler()

	return &SFTPDriver{
		basePath: "/bridge",
		connect: func(context.Context) (*sftpSession, error) {
			serverConn, clientConn := net.Pipe()

			server := sftp.NewRequestServer(serverConn, handlers)
			go func() {
				_ = server.Serve()
			}()

			client, err := sftp.NewClientPipe(clientConn, clientConn)
			if err != nil {
				server.Close()
				return nil, err
			}

			return &sftpSession{
				Client:    client,
				transport: server,
			}, nil
		},
	}
}

func TestSFTPDriver(t *testing.T) {
	d := newMemSFTPDriver(t)
	require.Equal(t, "sftp", d.Name())

	ctx := context.Background()

	// The base directory does not exist until the first upload.
	_, err := d.Upload(ctx, key1, []byte(`{"version":1}`))
	require.NoError(t, err)

	keys, err := d.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{key1}, keys)

	data, err := d.Fetch(ctx, key1)
	require.NoError(t, err)
	require.Equal(t, `{"version":1}`, string(data))

	_, err = d.Fetch(ctx, key2)
	require.Error(t, err)
}

func TestSFTPDriverRequiresKnownHosts(t *testing.T) {
	_, err := NewSFTPDriver(&SFTPConfig{
		Host:     "sftp.example.com",
		Username: "u",
		KeyFile:  filepath.Join(t.TempDir(), "missing"),
	})
	require.ErrorIs(t, err, ErrBlobStore)
}
