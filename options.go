package xmosspi

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gopkg.in/src-d/go-billy.v4"
	"gopkg.in/src-d/go-billy.v4/osfs"
)

// DefaultTransferDelay is the delay applied after the image transfer
// completes, before chip select is released.
const DefaultTransferDelay = 1000 * time.Microsecond

// Config holds the programmer configuration.
type Config struct {
	// Logger receives structured progress and diagnostic messages.
	Logger *zap.SugaredLogger

	// Allocator provides and releases the image buffer.
	Allocator Allocator

	// Filesystem the image path is resolved against.
	Filesystem billy.Filesystem

	// ProgressCallback is called at each phase change (optional).
	ProgressCallback ProgressCallback

	// TransferDelay is the post-transfer delay of the single SPI message.
	TransferDelay time.Duration

	// StrictReadback fails configuration when a read-back value differs
	// from the one written.
	StrictReadback bool

	// absPaths makes image paths absolute before opening them on the
	// root-anchored OS filesystem.
	absPaths bool
}

func defaultConfig() Config {
	return Config{
		Logger:        zap.NewNop().Sugar(),
		Allocator:     HeapAllocator{},
		Filesystem:    osfs.New("/"),
		TransferDelay: DefaultTransferDelay,
		absPaths:      true,
	}
}

// Option is a functional option for configuring the Programmer.
type Option func(*Config)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithAllocator replaces the heap allocator used for the image buffer.
func WithAllocator(a Allocator) Option {
	return func(c *Config) {
		if a != nil {
			c.Allocator = a
		}
	}
}

// WithFilesystem resolves image paths against fs instead of the OS
// filesystem. Paths are passed to fs unchanged.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(c *Config) {
		if fs != nil {
			c.Filesystem = fs
			c.absPaths = false
		}
	}
}

// WithProgressCallback sets a callback invoked at each programming phase.
//
// Example:
//
//	prog := xmosspi.New(xmosspi.WithProgressCallback(func(p xmosspi.Progress) {
//	    fmt.Printf("[%s] %d bytes\n", p.Phase, p.Bytes)
//	}))
func WithProgressCallback(cb ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = cb
	}
}

// WithTransferDelay overrides DefaultTransferDelay. Negative values are ignored.
func WithTransferDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.TransferDelay = d
		}
	}
}

// WithStrictReadback makes every read-back of mode, bits per word and speed
// compare against the requested value. Off by default: drivers are allowed
// to round the speed down.
func WithStrictReadback(strict bool) Option {
	return func(c *Config) {
		c.StrictReadback = strict
	}
}

// Allocator provides the image buffer. Free is called exactly once for every
// buffer returned by Alloc, on every exit path.
type Allocator interface {
	Alloc(n int64) ([]byte, error)
	Free(buf []byte)
}

// HeapAllocator allocates image buffers on the Go heap and zeroes them on
// release.
type HeapAllocator struct{}

// Alloc returns a zeroed buffer of exactly n bytes. Sizes that cannot be
// represented as a slice length are rejected. The Go runtime aborts the
// process when the heap is exhausted, so that case never returns an error;
// use a custom Allocator to enforce a memory budget.
func (HeapAllocator) Alloc(n int64) ([]byte, error) {
	if n < 0 || n > math.MaxInt {
		return nil, fmt.Errorf("size %d out of range", n)
	}
	return make([]byte, n), nil
}

// Free zeroes buf.
func (HeapAllocator) Free(buf []byte) {
	clear(buf)
}

// Phase names used in Progress.
const (
	PhaseLoading      = "loading"
	PhaseConfiguring  = "configuring"
	PhaseTransferring = "transferring"
	PhaseComplete     = "complete"
)

// Progress describes the state of a programming call.
type Progress struct {
	// Phase is one of PhaseLoading, PhaseConfiguring, PhaseTransferring or
	// PhaseComplete.
	Phase string

	// Bytes is the image size, known from PhaseConfiguring on.
	Bytes int

	// SpeedHz is the requested clock rate.
	SpeedHz uint32

	// ElapsedTime since the call started.
	ElapsedTime time.Duration
}

// ProgressCallback is called synchronously and should return quickly.
type ProgressCallback func(Progress)
