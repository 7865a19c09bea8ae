// Package periphlink adapts a periph.io SPI port to the xmosspi link
// control surface, so any host supported by periph.io (sysfs spidev, FTDI
// MPSSE bridges, ...) can boot an xcore device.
//
// periph.io ports can only be connected once. The first Transfer connects
// with the mode, word size and speed set so far. After that the mode and
// word size are fixed and the speed can only be lowered; settings that would
// need a new connection fail with ErrReconnect.
package periphlink

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	xmosspi "github.com/alexjaw/xmos-spi-programming"
)

// ErrTooLarge is wrapped by Transfer errors for segments larger than the
// connection's maximum transaction size.
var ErrTooLarge = errors.New("transfer exceeds port limit")

// ErrReconnect is returned when a setting differs from the one the port was
// connected with and periph.io cannot apply it without reconnecting.
var ErrReconnect = errors.New("periphlink: port already connected with different settings")

// Link drives a periph.io spi.Port through the spidev-shaped control
// surface. It is safe for concurrent use.
type Link struct {
	mu   sync.Mutex
	port spi.PortCloser
	mode uint8
	bits uint8
	hz   uint32

	c         spi.Conn
	connected settings // used by Connect

	sleep func(time.Duration)
}

type settings struct {
	mode, bits uint8
	hz         uint32
}

var _ xmosspi.Link = (*Link)(nil)

// New returns a Link using port, as returned by spireg.Open. port stays
// owned by the caller.
func New(port spi.PortCloser) *Link {
	return &Link{
		port:  port,
		bits:  8,
		sleep: time.Sleep,
	}
}

// ModeFromSpidev converts spidev mode bits to a periph.io spi.Mode.
func ModeFromSpidev(m uint8) (spi.Mode, error) {
	mode := spi.Mode(m & (xmosspi.CPOL | xmosspi.CPHA))
	if m&xmosspi.LSBFirst != 0 {
		mode |= spi.LSBFirst
	}
	if m&xmosspi.ThreeWire != 0 {
		mode |= spi.HalfDuplex
	}
	if rest := m &^ (xmosspi.CPOL | xmosspi.CPHA | xmosspi.LSBFirst | xmosspi.ThreeWire); rest != 0 {
		return 0, errors.Errorf("periphlink: unsupported mode bits 0x%02X", rest)
	}
	return mode, nil
}

// SetMode records the SPI mode for the next connection.
func (l *Link) SetMode(mode uint8) error {
	if _, err := ModeFromSpidev(mode); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c != nil && mode != l.connected.mode {
		return ErrReconnect
	}
	l.mode = mode
	return nil
}

// Mode returns the recorded SPI mode.
func (l *Link) Mode() (uint8, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode, nil
}

// SetBitsPerWord records the word size for the next connection.
func (l *Link) SetBitsPerWord(bits uint8) error {
	if bits == 0 {
		return errors.New("periphlink: bits per word must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c != nil && bits != l.connected.bits {
		return ErrReconnect
	}
	l.bits = bits
	return nil
}

// BitsPerWord returns the recorded word size.
func (l *Link) BitsPerWord() (uint8, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bits, nil
}

// SetMaxSpeedHz limits the port to hz. Once connected, the port cannot run
// faster than the connection's frequency. 0 means no limit.
func (l *Link) SetMaxSpeedHz(hz uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c != nil && faster(hz, l.connected.hz) {
		return errors.Wrapf(ErrReconnect, "periphlink: %dHz above connected %dHz", hz, l.connected.hz)
	}
	if err := l.port.LimitSpeed(physic.Frequency(hz) * physic.Hertz); err != nil {
		return errors.Wrapf(err, "periphlink: limit speed to %dHz", hz)
	}
	l.hz = hz
	return nil
}

// MaxSpeedHz returns the recorded clock limit.
func (l *Link) MaxSpeedHz() (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hz, nil
}

// Transfer sends msgs as one transaction. A single segment goes out with
// Tx; several are sent as packets holding chip select between them. The
// segments' delays are applied once the whole transaction completes.
func (l *Link) Transfer(msgs ...xmosspi.Transfer) error {
	if len(msgs) == 0 {
		return errors.New("periphlink: no transfer segments")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.connect()
	if err != nil {
		return err
	}

	if lim, ok := c.(conn.Limits); ok {
		if limit := lim.MaxTxSize(); limit > 0 {
			for _, m := range msgs {
				if m.Len() > limit {
					return errors.Wrapf(ErrTooLarge, "periphlink: %d bytes, limit %d", m.Len(), limit)
				}
			}
		}
	}

	var delay time.Duration
	if len(msgs) == 1 {
		if err := c.Tx(msgs[0].Tx, nil); err != nil {
			return errors.Wrap(err, "periphlink: tx")
		}
		delay = msgs[0].Delay
	} else {
		packets := make([]spi.Packet, len(msgs))
		for i, m := range msgs {
			packets[i] = spi.Packet{
				W:           m.Tx,
				BitsPerWord: l.bits,
				KeepCS:      i < len(msgs)-1,
			}
			delay += m.Delay
		}
		if err := c.TxPackets(packets); err != nil {
			return errors.Wrap(err, "periphlink: tx packets")
		}
	}
	if delay > 0 {
		l.sleep(delay)
	}
	return nil
}

// faster reports whether hz exceeds limit, where 0 means unlimited.
func faster(hz, limit uint32) bool {
	if limit == 0 {
		return false
	}
	return hz == 0 || hz > limit
}

func (l *Link) connect() (spi.Conn, error) {
	if l.c != nil {
		c := l.connected
		if l.mode != c.mode || l.bits != c.bits || faster(l.hz, c.hz) {
			return nil, ErrReconnect
		}
		return l.c, nil
	}
	mode, err := ModeFromSpidev(l.mode)
	if err != nil {
		return nil, err
	}
	c, err := l.port.Connect(physic.Frequency(l.hz)*physic.Hertz, mode, int(l.bits))
	if err != nil {
		return nil, errors.Wrap(err, "periphlink: connect")
	}
	l.c = c
	l.connected = settings{mode: l.mode, bits: l.bits, hz: l.hz}
	return c, nil
}

func (l *Link) String() string {
	return l.port.String()
}
