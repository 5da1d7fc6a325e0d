package signal

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

var (
	// running is set while an Interceptor handles signals. Accessed
	// atomically.
	running int32

	// ErrAlreadyStarted is returned by Intercept while another
	// Interceptor is running.
	ErrAlreadyStarted = errors.New("intercept already started")
)

// Interceptor turns termination signals and in-process requests into a
// single shutdown notification for the bridge daemon.
type Interceptor struct {
	signals  chan os.Signal
	requests chan struct{}

	// done is closed once the first signal or request was handled.
	done chan struct{}
}

// Intercept starts catching termination signals. Only one Interceptor runs
// at a time; the next one can start once the previous one shut down.
func Intercept() (Interceptor, error) {
	if !atomic.CompareAndSwapInt32(&running, 0, 1) {
		return Interceptor{}, ErrAlreadyStarted
	}

	i := Interceptor{
		signals:  make(chan os.Signal, 1),
		requests: make(chan struct{}),
		done:     make(chan struct{}),
	}
	signal.Notify(
		i.signals, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT,
		syscall.SIGABRT,
	)

	go i.waitForShutdown()

	return i, nil
}

// waitForShutdown closes done on the first signal or request.
//
// NOTE: MUST be run as a goroutine.
func (i *Interceptor) waitForShutdown() {
	select {
	case sig := <-i.signals:
		log.Infof("Received %v, shutting down", sig)

	case <-i.requests:
		log.Infof("Shutdown requested")
	}

	signal.Stop(i.signals)
	close(i.done)
	atomic.StoreInt32(&running, 0)
}

// RequestShutdown asks the daemon to stop as if it was interrupted. Calls
// after the first return at once.
func (i *Interceptor) RequestShutdown() {
	select {
	case i.requests <- struct{}{}:
	case <-i.done:
	}
}

// ShutdownChannel returns a channel closed once shutdown began.
func (i *Interceptor) ShutdownChannel() <-chan struct{} {
	return i.done
}
