package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

// RotatingLogWriter feeds a log file that is rolled over once it reaches the
// configured size. Rolled files are compressed.
type RotatingLogWriter struct {
	// pipe is the write end read by the rotator goroutine.
	pipe *io.PipeWriter

	rotator *rotator.Rotator

	logFile string
}

// NewRotatingLogWriter creates a writer that discards everything until
// InitLogRotator is called.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// newCompressor returns the rotator compressor called name.
func newCompressor(name string) (rotator.Compressor, error) {
	switch name {
	case Gzip:
		return gzip.NewWriter(nil), nil

	case Zstd:
		c, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("unable to create zstd "+
				"compressor: %w", err)
		}

		return c, nil

	default:
		return nil, fmt.Errorf("unknown log compressor: %v", name)
	}
}

// InitLogRotator opens logFile, creating its directory, and starts rolling
// it over per cfg. The writer must be closed on shutdown.
func (r *RotatingLogWriter) InitLogRotator(cfg *FileLoggerConfig,
	logFile string) error {

	compressor, err := newCompressor(cfg.Compressor)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("unable to create log directory: %w", err)
	}

	r.rotator, err = rotator.New(
		logFile, int64(cfg.MaxLogFileSize*1024), false, cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("unable to create file rotator: %w", err)
	}
	r.rotator.SetCompressor(compressor, logCompressors[cfg.Compressor])

	// A failing rotator, for example on a full disk, must not take the
	// process down with it.
	pr, pw := io.Pipe()
	go func() {
		if err := r.rotator.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"log rotator for %v stopped: %v\n", logFile, err)
		}
	}()

	r.pipe = pw
	r.logFile = logFile

	return nil
}

// Write writes b to the log file, if one was opened.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	if r.pipe == nil {
		return len(b), nil
	}

	return r.pipe.Write(b)
}

// Pipe returns the write end of the rotator pipe so it can be installed as the
// RotatorPipe of a LogWriter. It is nil until InitLogRotator succeeded.
func (r *RotatingLogWriter) Pipe() *io.PipeWriter {
	return r.pipe
}

// LogFile returns the path of the open log file, or the empty string.
func (r *RotatingLogWriter) LogFile() string {
	return r.logFile
}

// Close stops the rotator and closes the log file.
func (r *RotatingLogWriter) Close() error {
	if r.pipe != nil {
		_ = r.pipe.Close()
		r.pipe = nil
	}

	var err error
	if r.rotator != nil {
		err = r.rotator.Close()
		r.rotator = nil
	}
	r.logFile = ""

	return err
}
