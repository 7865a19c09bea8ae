package xmosspi

import (
	"fmt"
)

// ImageOpenError indicates that the image file could not be opened.
// Nothing has been allocated when it is returned.
type ImageOpenError struct {
	Path string
	Err  error
}

func (e *ImageOpenError) Error() string {
	return fmt.Sprintf("xmosspi: unable to open image file %s: %v", e.Path, e.Err)
}

func (e *ImageOpenError) Unwrap() error { return e.Err }

// OutOfMemoryError indicates that no buffer could be allocated for the image.
type OutOfMemoryError struct {
	Size int64
	Err  error
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("xmosspi: unable to allocate %d byte image buffer: %v", e.Size, e.Err)
}

func (e *OutOfMemoryError) Unwrap() error { return e.Err }

// ImageReadError indicates that the image could not be sized or read in full.
type ImageReadError struct {
	Path string
	Want int64
	Got  int
	Err  error
}

func (e *ImageReadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("xmosspi: short read of image file %s: got %d of %d bytes", e.Path, e.Got, e.Want)
	}
	return fmt.Sprintf("xmosspi: reading image file %s: got %d of %d bytes: %v", e.Path, e.Got, e.Want, e.Err)
}

func (e *ImageReadError) Unwrap() error { return e.Err }

// LinkConfigError indicates that one step of the link configuration failed.
type LinkConfigError struct {
	Stage Stage
	Err   error
}

func (e *LinkConfigError) Error() string {
	return fmt.Sprintf("xmosspi: can't %s: %v", e.Stage, e.Err)
}

func (e *LinkConfigError) Unwrap() error { return e.Err }

// MismatchError is reported under a LinkConfigError when strict read-back is
// enabled and the device reports a value other than the one written.
type MismatchError struct {
	Setting string
	Want    uint32
	Got     uint32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s read back as %d, requested %d", e.Setting, e.Got, e.Want)
}

// TransferError indicates that the transport rejected or failed the image
// transfer. The most common cause is an image larger than the transport's
// staging buffer.
type TransferError struct {
	Size int
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("xmosspi: failed to send %d byte SPI message: %v "+
		"(the whole image must fit in one transfer; spidev buffers 4096 bytes by default, raise spidev.bufsiz)",
		e.Size, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
