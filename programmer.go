package xmosspi

import (
	"io"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
)

// Link parameters used for every programming call. The xcore boot ROM
// samples in mode 0 with byte-sized words; bit order is carried by the image.
const (
	BootMode        = Mode0
	BootBitsPerWord = 8

	// DefaultSpeedHz is the clock rate used by the command line tool.
	// The boot ROM has been run at 100kHz to 5MHz.
	DefaultSpeedHz = 1000000
)

// Programmer sends boot images to an xcore device over a SPI link.
//
// A Programmer only holds its configuration and may be shared. The links it
// is given may not.
type Programmer struct {
	config Config
}

// New creates a Programmer with the given options.
//
// Example:
//
//	dev, _ := spidev.Open("/dev/spidev0.0")
//	defer dev.Close()
//	prog := xmosspi.New(xmosspi.WithLogger(logger.Sugar()))
//	err := prog.Program(dev, "img-lsb.bin", xmosspi.DefaultSpeedHz)
func New(opts ...Option) *Programmer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Programmer{config: cfg}
}

// Program sends the image at imagePath over link with a default Programmer.
func Program(link Link, imagePath string, speedHz uint32) error {
	return New().Program(link, imagePath, speedHz)
}

// Program loads the image at imagePath and sends it over link as one SPI
// transaction:
//  1. Read the whole image into a buffer of exactly the file's size
//  2. Configure mode 0, 8 bits per word and speedHz, reading each back
//  3. Submit a single transfer of the whole buffer
//
// The image must already be bit-reversed for the boot ROM; its contents are
// sent unmodified. link is neither opened nor closed. The buffer is released
// on every return path and every failure is returned as one of
// ImageOpenError, OutOfMemoryError, ImageReadError, LinkConfigError or
// TransferError.
func (p *Programmer) Program(link Link, imagePath string, speedHz uint32) error {
	startTime := time.Now()
	log := p.config.Logger.With("path", imagePath)

	p.reportProgress(Progress{
		Phase:   PhaseLoading,
		SpeedHz: speedHz,
	})

	img, err := p.loadImage(imagePath)
	if err != nil {
		log.Debugw("loading image failed", "error", err)
		return err
	}
	defer p.config.Allocator.Free(img)

	log.Infow("image loaded", "bytes", len(img))

	p.reportProgress(Progress{
		Phase:       PhaseConfiguring,
		Bytes:       len(img),
		SpeedHz:     speedHz,
		ElapsedTime: time.Since(startTime),
	})

	want := LinkSettings{
		Mode:        BootMode,
		BitsPerWord: BootBitsPerWord,
		SpeedHz:     speedHz,
	}
	got, err := ConfigureLink(link, want, p.config.StrictReadback)
	if err != nil {
		log.Debugw("link configuration failed", "error", err)
		return err
	}

	log.Debugw("link configured",
		"mode", got.Mode,
		"bits_per_word", got.BitsPerWord,
		"speed_hz", got.SpeedHz,
	)

	p.reportProgress(Progress{
		Phase:       PhaseTransferring,
		Bytes:       len(img),
		SpeedHz:     speedHz,
		ElapsedTime: time.Since(startTime),
	})

	msg := Transfer{
		Tx:    img,
		Delay: p.config.TransferDelay,
	}
	if err := link.Transfer(msg); err != nil {
		log.Debugw("transfer failed", "bytes", len(img), "error", err)
		return &TransferError{Size: len(img), Err: err}
	}

	log.Infow("message sent", "bytes", len(img), "elapsed", time.Since(startTime))

	p.reportProgress(Progress{
		Phase:       PhaseComplete,
		Bytes:       len(img),
		SpeedHz:     speedHz,
		ElapsedTime: time.Since(startTime),
	})
	return nil
}

// loadImage reads the whole file at path into a buffer from the allocator.
// On error nothing is left allocated and the file is closed.
func (p *Programmer) loadImage(path string) ([]byte, error) {
	name := path
	if p.config.absPaths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, &ImageOpenError{Path: path, Err: err}
		}
		name = abs
	}

	f, err := p.config.Filesystem.Open(name)
	if err != nil {
		return nil, &ImageOpenError{Path: path, Err: err}
	}

	size, err := fileSize(f)
	if err != nil {
		return nil, &ImageReadError{Path: path, Err: multierr.Append(err, f.Close())}
	}

	buf, err := p.config.Allocator.Alloc(size)
	if err != nil {
		return nil, &OutOfMemoryError{Size: size, Err: multierr.Append(err, f.Close())}
	}

	n, err := io.ReadFull(f, buf)
	if err != nil || int64(n) != size {
		p.config.Allocator.Free(buf)
		return nil, &ImageReadError{
			Path: path,
			Want: size,
			Got:  n,
			Err:  multierr.Append(err, f.Close()),
		}
	}

	if err := f.Close(); err != nil {
		p.config.Logger.Warnw("closing image file", "path", path, "error", err)
	}
	return buf, nil
}

// fileSize seeks to the end of f and back to the start.
func fileSize(f io.Seeker) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}

func (p *Programmer) reportProgress(progress Progress) {
	if p.config.ProgressCallback != nil {
		p.config.ProgressCallback(progress)
	}
}
