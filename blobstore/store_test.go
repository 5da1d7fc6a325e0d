package blobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDriver struct {
	mock.Mock
}

func (m *mockDriver) Name() string {
	return "mock"
}

func (m *mockDriver) List(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)

	keys, _ := args.Get(0).([]string)

	return keys, args.Error(1)
}

func (m *mockDriver) Fetch(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)

	data, _ := args.Get(0).([]byte)

	return data, args.Error(1)
}

func (m *mockDriver) Upload(ctx context.Context, key string,
	data []byte) (int, error) {

	args := m.Called(ctx, key, data)

	return args.Int(0), args.Error(1)
}

var testNow = time.UnixMilli(1_700_000_000_000)

func TestDataStoreKeys(t *testing.T) {
	ctx := context.Background()
	driver := &mockDriver{}
	store := NewDataStore(driver, clock.NewTestClock(testNow))

	driver.On("List", ctx).Return([]string{
		"1700000000002-bridge-client-data.json",
		"readme.md",
		"1700000000001-bridge-client-data.json",
	}, nil)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{
		"1700000000001-bridge-client-data.json",
		"1700000000002-bridge-client-data.json",
	}, keys)
	require.Equal(t, "mock", store.Backend())
}

func TestDataStoreWriteBumpsTakenKey(t *testing.T) {
	ctx := context.Background()
	driver := &mockDriver{}
	store := NewDataStore(driver, clock.NewTestClock(testNow))

	driver.On("List", ctx).Return([]string{
		KeyAt(testNow),
		KeyAt(testNow.Add(time.Millisecond)),
	}, nil)

	want := KeyAt(testNow.Add(2 * time.Millisecond))
	data := []byte(`{"version":1}`)
	driver.On("Upload", ctx, want, data).Return(len(data), nil).Once()

	key, err := store.Write(ctx, data)
	require.NoError(t, err)
	require.Equal(t, want, key)
	driver.AssertExpectations(t)
}

func TestDataStoreWriteError(t *testing.T) {
	ctx := context.Background()
	driver := &mockDriver{}
	store := NewDataStore(driver, clock.NewTestClock(testNow))

	errDown := errors.New("down")
	driver.On("List", ctx).Return(nil, nil)
	driver.On("Upload", ctx, KeyAt(testNow), mock.Anything).Return(
		0, storeErr("mock", "upload", KeyAt(testNow), errDown),
	)

	_, err := store.Write(ctx, []byte("{}"))
	require.ErrorIs(t, err, ErrBlobStore)

	// A failed write does not consume the timestamp.
	driver.ExpectedCalls = nil
	driver.On("List", ctx).Return(nil, nil)
	driver.On("Upload", ctx, KeyAt(testNow), mock.Anything).Return(2, nil)

	key, err := store.Write(ctx, []byte("{}"))
	require.NoError(t, err)
	require.Equal(t, KeyAt(testNow), key)
}

func TestDataStoreSameMillisecond(t *testing.T) {
	ctx := context.Background()
	driver, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)

	clk := clock.NewTestClock(testNow)
	store := NewDataStore(driver, clk)

	var keys []string
	for i := 0; i < 3; i++ {
		key, err := store.Write(ctx, []byte("{}"))
		require.NoError(t, err)
		keys = append(keys, key)
	}
	require.Equal(t, []string{
		KeyAt(testNow),
		KeyAt(testNow.Add(time.Millisecond)),
		KeyAt(testNow.Add(2 * time.Millisecond)),
	}, keys)

	// A second writer sharing the directory with a clock at the same
	// instant does not overwrite the first.
	other := NewDataStore(driver, clock.NewTestClock(testNow))
	key, err := other.Write(ctx, []byte(`{"other":true}`))
	require.NoError(t, err)
	require.Equal(t, KeyAt(testNow.Add(3*time.Millisecond)), key)

	stored, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 4)
}

func TestDataStoreFetchRejectsForeignKey(t *testing.T) {
	store := NewDataStore(&mockDriver{}, clock.NewTestClock(testNow))

	_, err := store.Fetch(context.Background(), "../secrets.json")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestConfigBackend(t *testing.T) {
	cfg := DefaultConfig()

	_, err := cfg.Backend()
	require.ErrorIs(t, err, ErrNoDriver)
	require.Equal(t, "Bridge client is missing AWS S3, FTP, FTPS, SFTP "+
		"or local store credentials", ErrNoDriver.Error())

	cfg.Local.Path = t.TempDir()
	backend, err := cfg.Backend()
	require.NoError(t, err)
	require.Equal(t, "local", backend)

	cfg.SFTP = &SFTPConfig{Host: "h", Username: "u", KeyFile: "k"}
	backend, _ = cfg.Backend()
	require.Equal(t, "sftp", backend)

	cfg.FTPS = &FTPSConfig{Host: "h", Username: "u", Password: "p"}
	backend, _ = cfg.Backend()
	require.Equal(t, "ftps", backend)

	cfg.FTP = &FTPConfig{Host: "h", Username: "u", Password: "p"}
	backend, _ = cfg.Backend()
	require.Equal(t, "ftp", backend)

	// Half configured groups are ignored.
	cfg.S3 = &S3Config{AccessKeyID: "id", Bucket: "b"}
	backend, _ = cfg.Backend()
	require.Equal(t, "ftp", backend)

	cfg.S3.SecretAccessKey = "secret"
	cfg.S3.Region = "us-east-1"
	backend, _ = cfg.Backend()
	require.Equal(t, "s3", backend)

	var nilCfg *Config
	_, err = nilCfg.Backend()
	require.ErrorIs(t, err, ErrNoDriver)
}

func TestNewDriverLocal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Local.Path = t.TempDir()

	driver, err := NewDriver(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "local", driver.Name())
}
