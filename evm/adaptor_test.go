package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testBridge = "0x3333333333333333333333333333333333333333"

type mockLogClient struct {
	mock.Mock
}

func (m *mockLogClient) BlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockLogClient) HeaderByNumber(ctx context.Context,
	number *big.Int) (*types.Header, error) {

	args := m.Called(ctx, number)
	header, _ := args.Get(0).(*types.Header)

	return header, args.Error(1)
}

func (m *mockLogClient) FilterLogs(ctx context.Context,
	q ethereum.FilterQuery) ([]types.Log, error) {

	args := m.Called(ctx, q)
	logs, _ := args.Get(0).([]types.Log)

	return logs, args.Error(1)
}

// blockRange matches a filter query over exactly [from, to].
func blockRange(from, to int64) interface{} {
	return mock.MatchedBy(func(q ethereum.FilterQuery) bool {
		return q.FromBlock.Int64() == from && q.ToBlock.Int64() == to
	})
}

func blockNumber(n int64) interface{} {
	return mock.MatchedBy(func(b *big.Int) bool {
		return b.Int64() == n
	})
}

func newTestAdaptor(t *testing.T, client LogClient,
	maxRange uint64) *Adaptor {

	a, err := NewAdaptor(client, &Config{
		BridgeAddress:  testBridge,
		BridgeCreation: 100,
		MaxBlockRange:  maxRange,
	})
	require.NoError(t, err)

	return a
}

func TestNewAdaptorRejectsBadAddress(t *testing.T) {
	_, err := NewAdaptor(&mockLogClient{}, &Config{BridgeAddress: "0x12"})
	require.Error(t, err)
}

func TestPollAdvancesCursor(t *testing.T) {
	client := &mockLogClient{}
	a := newTestAdaptor(t, client, 0)
	ctx := context.Background()

	pegOut := validPegOutLog(t, 105)
	pegIn := validPegInLog(t, 110)

	client.On("BlockNumber", mock.Anything).Return(uint64(120), nil).Once()
	client.On("FilterLogs", mock.Anything, blockRange(100, 120)).
		Return([]types.Log{pegOut, pegIn}, nil).Once()
	client.On("HeaderByNumber", mock.Anything, blockNumber(105)).
		Return(&types.Header{Time: 1_700_000_000}, nil).Once()

	events, err := a.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)

	out, ok := events[0].(*PegOutInitiated)
	require.True(t, ok)
	require.EqualValues(t, 1_700_000_000, out.Timestamp)

	_, ok = events[1].(*PegInMinted)
	require.True(t, ok)

	// The next poll starts after the previous tip.
	client.On("BlockNumber", mock.Anything).Return(uint64(125), nil).Once()
	client.On("FilterLogs", mock.Anything, blockRange(121, 125)).
		Return([]types.Log(nil), nil).Once()

	events, err = a.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, events)

	// No new block means no query.
	client.On("BlockNumber", mock.Anything).Return(uint64(125), nil).Once()

	events, err = a.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, events)

	client.AssertExpectations(t)
}

func TestPollErrorKeepsCursor(t *testing.T) {
	client := &mockLogClient{}
	a := newTestAdaptor(t, client, 0)
	ctx := context.Background()

	client.On("BlockNumber", mock.Anything).Return(uint64(120), nil).Twice()
	client.On("FilterLogs", mock.Anything, blockRange(100, 120)).
		Return(nil, errors.New("boom")).Once()

	_, err := a.Poll(ctx)
	require.ErrorIs(t, err, ErrRPC)

	// The failed range is queried again.
	client.On("FilterLogs", mock.Anything, blockRange(100, 120)).
		Return([]types.Log(nil), nil).Once()

	_, err = a.Poll(ctx)
	require.NoError(t, err)

	client.On("BlockNumber", mock.Anything).
		Return(uint64(0), errors.New("down")).Once()

	_, err = a.Poll(ctx)
	require.ErrorIs(t, err, ErrRPC)

	client.AssertExpectations(t)
}

func TestFilterLogsChunks(t *testing.T) {
	client := &mockLogClient{}
	a := newTestAdaptor(t, client, 10)

	client.On("BlockNumber", mock.Anything).Return(uint64(125), nil)
	client.On("FilterLogs", mock.Anything, blockRange(100, 109)).
		Return([]types.Log{validPegInLog(t, 101)}, nil).Once()
	client.On("FilterLogs", mock.Anything, blockRange(110, 119)).
		Return([]types.Log(nil), nil).Once()
	client.On("FilterLogs", mock.Anything, blockRange(120, 125)).
		Return([]types.Log{validPegInLog(t, 121)}, nil).Once()

	mints, err := a.PegInsMinted(context.Background())
	require.NoError(t, err)
	require.Len(t, mints, 2)
	require.EqualValues(t, 101, mints[0].BlockNumber)
	require.EqualValues(t, 121, mints[1].BlockNumber)

	client.AssertExpectations(t)
}

func TestPegOutsInitiatedCachesBlockTimes(t *testing.T) {
	client := &mockLogClient{}
	a := newTestAdaptor(t, client, 0)
	ctx := context.Background()

	first := validPegOutLog(t, 105)
	second := validPegOutLog(t, 105)
	second.Index = 3
	removed := validPegOutLog(t, 106)
	removed.Removed = true

	client.On("BlockNumber", mock.Anything).Return(uint64(110), nil)
	client.On("FilterLogs", mock.Anything, blockRange(100, 110)).
		Return([]types.Log{first, second, removed}, nil)
	client.On("HeaderByNumber", mock.Anything, blockNumber(105)).
		Return(&types.Header{Time: 1_700_000_000}, nil).Once()

	for i := 0; i < 2; i++ {
		pegOuts, err := a.PegOutsInitiated(ctx)
		require.NoError(t, err)
		require.Len(t, pegOuts, 2)
		for _, pegOut := range pegOuts {
			require.EqualValues(t, 1_700_000_000, pegOut.Timestamp)
		}
	}

	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "HeaderByNumber", 1)
}

func TestDecodeSkipsBadLogs(t *testing.T) {
	client := &mockLogClient{}
	a := newTestAdaptor(t, client, 0)

	bad := validPegInLog(t, 101)
	bad.Data = bad.Data[:10]

	client.On("BlockNumber", mock.Anything).Return(uint64(101), nil)
	client.On("FilterLogs", mock.Anything, blockRange(100, 101)).
		Return([]types.Log{bad, validPegInLog(t, 101)}, nil)

	mints, err := a.PegInsMinted(context.Background())
	require.NoError(t, err)
	require.Len(t, mints, 1)
}

func TestHistoryBeforeCreation(t *testing.T) {
	client := &mockLogClient{}
	a := newTestAdaptor(t, client, 0)

	client.On("BlockNumber", mock.Anything).Return(uint64(50), nil)

	pegOuts, err := a.PegOutsInitiated(context.Background())
	require.NoError(t, err)
	require.Empty(t, pegOuts)

	client.AssertNotCalled(t, "FilterLogs", mock.Anything, mock.Anything)
}
