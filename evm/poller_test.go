package evm

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPollerDeliversEvents(t *testing.T) {
	client := &mockLogClient{}
	a := newTestAdaptor(t, client, 0)

	client.On("BlockNumber", mock.Anything).Return(uint64(101), nil).Once()
	client.On("FilterLogs", mock.Anything, blockRange(100, 101)).
		Return([]types.Log{
			validPegInLog(t, 100), validPegInLog(t, 101),
		}, nil).Once()

	client.On("BlockNumber", mock.Anything).Return(uint64(102), nil).Once()
	client.On("FilterLogs", mock.Anything, blockRange(102, 102)).
		Return([]types.Log{validPegInLog(t, 102)}, nil).Once()

	tick := ticker.NewForce(time.Hour)
	p := NewPoller(a, tick, time.Second)
	require.NoError(t, p.Start())
	defer func() {
		require.NoError(t, p.Stop())
	}()

	receive := func() Event {
		select {
		case item := <-p.Events():
			event, ok := item.(Event)
			require.True(t, ok)
			return event

		case <-time.After(5 * time.Second):
			t.Fatalf("no event delivered")
			return nil
		}
	}

	tick.Force <- time.Now()
	require.EqualValues(t, 100, receive().Origin().BlockNumber)
	require.EqualValues(t, 101, receive().Origin().BlockNumber)

	tick.Force <- time.Now()
	require.EqualValues(t, 102, receive().Origin().BlockNumber)
}

func TestPollerSurvivesErrors(t *testing.T) {
	client := &mockLogClient{}
	a := newTestAdaptor(t, client, 0)

	client.On("BlockNumber", mock.Anything).
		Return(uint64(0), context.DeadlineExceeded).Once()
	client.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Once()
	client.On("FilterLogs", mock.Anything, blockRange(100, 100)).
		Return([]types.Log{validPegInLog(t, 100)}, nil).Once()

	tick := ticker.NewForce(time.Hour)
	p := NewPoller(a, tick, time.Second)
	require.NoError(t, p.Start())
	defer p.Stop()

	tick.Force <- time.Now()
	tick.Force <- time.Now()

	select {
	case item := <-p.Events():
		require.EqualValues(t, 100, item.(Event).Origin().BlockNumber)

	case <-time.After(5 * time.Second):
		t.Fatalf("no event delivered")
	}
}
