package xmosspi

import "time"

// SPI mode bits, numbered as in linux/spi/spi.h so a spidev Link can pass
// them to the kernel unchanged.
const (
	CPHA      = 0x01
	CPOL      = 0x02
	CSHigh    = 0x04
	LSBFirst  = 0x08
	ThreeWire = 0x10

	Mode0 = 0 | 0
	Mode1 = 0 | CPHA
	Mode2 = CPOL | 0
	Mode3 = CPOL | CPHA
)

// Transfer describes one segment of a SPI transaction. Tx is only read.
// Delay is applied after the segment, before chip select changes.
type Transfer struct {
	Tx    []byte
	Delay time.Duration
}

// Len returns the number of bytes clocked out by the segment.
func (t Transfer) Len() int {
	return len(t.Tx)
}
