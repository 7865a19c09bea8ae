// Package spidev drives a Linux spidev character device through its ioctl
// control surface.
//
// The kernel interface is documented in linux/spi/spidev.h. Every method maps
// to exactly one ioctl so callers can observe and order the individual
// configuration steps.
package spidev

import (
	"math"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	xmosspi "github.com/alexjaw/xmos-spi-programming"
)

const (
	magic = 'k'

	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	dirWrite = 1
	dirRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << dirShift) | (magic << typeShift) | (nr << nrShift) | (size << sizeShift)
}

// Request numbers for the spidev ioctls.
var (
	iocWrMode        = ioc(dirWrite, 1, 1)
	iocRdMode        = ioc(dirRead, 1, 1)
	iocWrBitsPerWord = ioc(dirWrite, 3, 1)
	iocRdBitsPerWord = ioc(dirRead, 3, 1)
	iocWrMaxSpeedHz  = ioc(dirWrite, 4, 4)
	iocRdMaxSpeedHz  = ioc(dirRead, 4, 4)
)

// maxMessages is the largest n for which SPI_MSGSIZE(n) fits the ioctl size field.
const maxMessages = (1<<sizeBits - 1) / 32

// iocMessage returns SPI_IOC_MESSAGE(n).
func iocMessage(n int) uintptr {
	return ioc(dirWrite, 0, uintptr(n)*unsafe.Sizeof(iocTransfer{}))
}

// MaxDelay is the longest post-segment delay delay_usecs can hold.
const MaxDelay = math.MaxUint16 * time.Microsecond

// iocTransfer mirrors struct spi_ioc_transfer.
type iocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNBits     uint8
	rxNBits     uint8
	wordDelay   uint8
	pad         uint8
}

func newIocTransfer(t xmosspi.Transfer) (iocTransfer, error) {
	if t.Delay < 0 || t.Delay > MaxDelay {
		return iocTransfer{}, errors.Errorf("spidev: delay %v out of range [0, %v]", t.Delay, MaxDelay)
	}
	x := iocTransfer{
		length:     uint32(len(t.Tx)),
		delayUsecs: uint16(t.Delay / time.Microsecond),
	}
	if len(t.Tx) > 0 {
		x.txBuf = uint64(uintptr(unsafe.Pointer(&t.Tx[0])))
	}
	return x, nil
}

// Device is an open spidev node. It implements xmosspi.Link.
type Device struct {
	f     *os.File
	ioctl func(fd, req uintptr, arg unsafe.Pointer) error
}

var _ xmosspi.Link = (*Device)(nil)

// Open opens a spidev node such as /dev/spidev0.0 for read/write.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "spidev: open %s", path)
	}
	return NewDevice(f), nil
}

// NewDevice wraps an already open spidev file.
func NewDevice(f *os.File) *Device {
	return &Device{f: f, ioctl: sysIoctl}
}

func sysIoctl(fd, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

func (d *Device) do(name string, req uintptr, arg unsafe.Pointer) error {
	if err := d.ioctl(d.f.Fd(), req, arg); err != nil {
		return errors.Wrapf(err, "spidev: %s", name)
	}
	return nil
}

// SetMode writes SPI_IOC_WR_MODE.
func (d *Device) SetMode(mode uint8) error {
	return d.do("set mode", iocWrMode, unsafe.Pointer(&mode))
}

// Mode reads SPI_IOC_RD_MODE.
func (d *Device) Mode() (uint8, error) {
	var mode uint8
	err := d.do("get mode", iocRdMode, unsafe.Pointer(&mode))
	return mode, err
}

// SetBitsPerWord writes SPI_IOC_WR_BITS_PER_WORD.
func (d *Device) SetBitsPerWord(bits uint8) error {
	return d.do("set bits per word", iocWrBitsPerWord, unsafe.Pointer(&bits))
}

// BitsPerWord reads SPI_IOC_RD_BITS_PER_WORD.
func (d *Device) BitsPerWord() (uint8, error) {
	var bits uint8
	err := d.do("get bits per word", iocRdBitsPerWord, unsafe.Pointer(&bits))
	return bits, err
}

// SetMaxSpeedHz writes SPI_IOC_WR_MAX_SPEED_HZ.
func (d *Device) SetMaxSpeedHz(hz uint32) error {
	return d.do("set max speed", iocWrMaxSpeedHz, unsafe.Pointer(&hz))
}

// MaxSpeedHz reads SPI_IOC_RD_MAX_SPEED_HZ.
func (d *Device) MaxSpeedHz() (uint32, error) {
	var hz uint32
	err := d.do("get max speed", iocRdMaxSpeedHz, unsafe.Pointer(&hz))
	return hz, err
}

// Transfer submits all segments as one SPI_IOC_MESSAGE(len(msgs)) call.
// Chip select stays asserted across segments. The kernel rejects transfers
// larger than the spidev bufsiz module parameter (4096 by default).
// Delays longer than MaxDelay are rejected before anything is sent.
func (d *Device) Transfer(msgs ...xmosspi.Transfer) error {
	if len(msgs) == 0 {
		return errors.New("spidev: no transfer segments")
	}
	if len(msgs) > maxMessages {
		return errors.Errorf("spidev: %d transfer segments exceeds %d", len(msgs), maxMessages)
	}
	xfers := make([]iocTransfer, len(msgs))
	for i, m := range msgs {
		x, err := newIocTransfer(m)
		if err != nil {
			return err
		}
		xfers[i] = x
	}
	err := d.do("transfer", iocMessage(len(xfers)), unsafe.Pointer(&xfers[0]))
	runtime.KeepAlive(msgs)
	return err
}

// Close closes the device file.
func (d *Device) Close() error {
	return d.f.Close()
}

// String returns the device path.
func (d *Device) String() string {
	return d.f.Name()
}
