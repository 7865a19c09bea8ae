package periphlink

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/src-d/go-billy.v4"
	"gopkg.in/src-d/go-billy.v4/memfs"
	"gopkg.in/src-d/go-billy.v4/util"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	xmosspi "github.com/alexjaw/xmos-spi-programming"
)

type connectCall struct {
	F    physic.Frequency
	Mode spi.Mode
	Bits int
}

// fakePort is a spi.PortCloser whose connections record every write.
type fakePort struct {
	maxTx      int
	limit      physic.Frequency
	limitErr   error
	connectErr error
	connects   []connectCall
	conn       *fakeConn
	closed     bool
}

func (p *fakePort) String() string { return "fake-spi" }

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) LimitSpeed(f physic.Frequency) error {
	if p.limitErr != nil {
		return p.limitErr
	}
	p.limit = f
	return nil
}

func (p *fakePort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	p.connects = append(p.connects, connectCall{f, mode, bits})
	p.conn = &fakeConn{maxTx: p.maxTx}
	return p.conn, nil
}

type fakeConn struct {
	maxTx   int
	txErr   error
	writes  [][]byte
	packets [][]spi.Packet
}

func (c *fakeConn) String() string      { return "fake-spi-conn" }
func (c *fakeConn) Duplex() conn.Duplex { return conn.Full }
func (c *fakeConn) MaxTxSize() int      { return c.maxTx }

func (c *fakeConn) Tx(w, r []byte) error {
	if c.txErr != nil {
		return c.txErr
	}
	c.writes = append(c.writes, append([]byte{}, w...))
	return nil
}

func (c *fakeConn) TxPackets(p []spi.Packet) error {
	if c.txErr != nil {
		return c.txErr
	}
	c.packets = append(c.packets, p)
	return nil
}

func memfsWith(t *testing.T, name string, data []byte) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	if err := util.WriteFile(fs, name, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return fs
}

func newTestLink(port *fakePort) (*Link, *[]time.Duration) {
	var slept []time.Duration
	l := New(port)
	l.sleep = func(d time.Duration) { slept = append(slept, d) }
	return l, &slept
}

func TestModeFromSpidev(t *testing.T) {
	tests := []struct {
		in      uint8
		want    spi.Mode
		wantErr bool
	}{
		{xmosspi.Mode0, spi.Mode0, false},
		{xmosspi.Mode1, spi.Mode1, false},
		{xmosspi.Mode2, spi.Mode2, false},
		{xmosspi.Mode3, spi.Mode3, false},
		{xmosspi.Mode0 | xmosspi.LSBFirst, spi.Mode0 | spi.LSBFirst, false},
		{xmosspi.Mode3 | xmosspi.ThreeWire, spi.Mode3 | spi.HalfDuplex, false},
		{xmosspi.CSHigh, 0, true},
	}
	for _, tt := range tests {
		got, err := ModeFromSpidev(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ModeFromSpidev(0x%02X) = %v, want error", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ModeFromSpidev(0x%02X) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestLinkConfigure(t *testing.T) {
	port := &fakePort{}
	l, _ := newTestLink(port)

	if err := l.SetMode(xmosspi.Mode0); err != nil {
		t.Fatalf("SetMode() = %v", err)
	}
	if err := l.SetBitsPerWord(8); err != nil {
		t.Fatalf("SetBitsPerWord() = %v", err)
	}
	if err := l.SetMaxSpeedHz(1000000); err != nil {
		t.Fatalf("SetMaxSpeedHz() = %v", err)
	}
	if port.limit != physic.MegaHertz {
		t.Errorf("port limit = %s, want 1MHz", port.limit)
	}
	if mode, err := l.Mode(); err != nil || mode != xmosspi.Mode0 {
		t.Errorf("Mode() = %d, %v", mode, err)
	}
	if hz, err := l.MaxSpeedHz(); err != nil || hz != 1000000 {
		t.Errorf("MaxSpeedHz() = %d, %v", hz, err)
	}

	if err := l.SetMode(xmosspi.CSHigh); err == nil {
		t.Error("SetMode(CSHigh) should fail")
	}
	if err := l.SetBitsPerWord(0); err == nil {
		t.Error("SetBitsPerWord(0) should fail")
	}

	port.limitErr = errors.New("too fast")
	err := l.SetMaxSpeedHz(2000000000)
	if err == nil || !strings.Contains(err.Error(), "too fast") {
		t.Errorf("SetMaxSpeedHz(2GHz) = %v, want port error", err)
	}
	if hz, _ := l.MaxSpeedHz(); hz != 1000000 {
		t.Errorf("MaxSpeedHz() after failed set = %d, want 1000000", hz)
	}
}

func TestLinkTransfer(t *testing.T) {
	port := &fakePort{}
	l, slept := newTestLink(port)
	if err := l.SetMaxSpeedHz(500000); err != nil {
		t.Fatalf("SetMaxSpeedHz() = %v", err)
	}

	img := []byte{0x01, 0x80, 0xff}
	if err := l.Transfer(xmosspi.Transfer{Tx: img, Delay: time.Millisecond}); err != nil {
		t.Fatalf("Transfer() = %v", err)
	}
	want := []connectCall{{500 * physic.KiloHertz, spi.Mode0, 8}}
	if diff := cmp.Diff(want, port.connects); diff != "" {
		t.Errorf("connects (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{img}, port.conn.writes); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{time.Millisecond}, *slept); diff != "" {
		t.Errorf("sleeps (-want +got):\n%s", diff)
	}

	// Same settings reuse the connection.
	if err := l.Transfer(xmosspi.Transfer{Tx: img}); err != nil {
		t.Fatalf("second Transfer() = %v", err)
	}
	if len(port.connects) != 1 || len(port.conn.writes) != 2 || len(*slept) != 1 {
		t.Errorf("connects = %d, writes = %d, sleeps = %d, want 1, 2, 1",
			len(port.connects), len(port.conn.writes), len(*slept))
	}

	if err := l.SetMode(xmosspi.Mode3); !errors.Is(err, ErrReconnect) {
		t.Errorf("SetMode(Mode3) after connect = %v, want ErrReconnect", err)
	}
	if err := l.SetBitsPerWord(16); !errors.Is(err, ErrReconnect) {
		t.Errorf("SetBitsPerWord(16) after connect = %v, want ErrReconnect", err)
	}
	if err := l.SetMode(xmosspi.Mode0); err != nil {
		t.Errorf("SetMode(Mode0) after connect = %v", err)
	}
	if err := l.Transfer(); err == nil {
		t.Error("Transfer() with no segments should fail")
	}
}

func TestLinkSpeedAfterConnect(t *testing.T) {
	port := &fakePort{}
	l, _ := newTestLink(port)
	if err := l.SetMaxSpeedHz(100000); err != nil {
		t.Fatalf("SetMaxSpeedHz() = %v", err)
	}
	if err := l.Transfer(xmosspi.Transfer{Tx: []byte{1}}); err != nil {
		t.Fatalf("Transfer() = %v", err)
	}

	if err := l.SetMaxSpeedHz(50000); err != nil {
		t.Fatalf("lowering speed = %v", err)
	}
	if port.limit != 50*physic.KiloHertz {
		t.Errorf("port limit = %s, want 50kHz", port.limit)
	}

	for _, hz := range []uint32{5000000, 0} {
		if err := l.SetMaxSpeedHz(hz); !errors.Is(err, ErrReconnect) {
			t.Errorf("SetMaxSpeedHz(%d) = %v, want ErrReconnect", hz, err)
		}
	}
	if hz, _ := l.MaxSpeedHz(); hz != 50000 {
		t.Errorf("MaxSpeedHz() = %d, want 50000", hz)
	}
	if port.limit != 50*physic.KiloHertz {
		t.Errorf("rejected speed reached the port: limit = %s", port.limit)
	}
	if err := l.Transfer(xmosspi.Transfer{Tx: []byte{1}}); err != nil {
		t.Errorf("Transfer() at lowered speed = %v", err)
	}
	if len(port.connects) != 1 {
		t.Errorf("connects = %d, want 1", len(port.connects))
	}
}

func TestLinkTransferPackets(t *testing.T) {
	port := &fakePort{}
	l, slept := newTestLink(port)

	err := l.Transfer(
		xmosspi.Transfer{Tx: []byte{1, 2}, Delay: time.Microsecond},
		xmosspi.Transfer{Tx: []byte{3}, Delay: 2 * time.Microsecond},
	)
	if err != nil {
		t.Fatalf("Transfer() = %v", err)
	}
	if len(port.conn.packets) != 1 || len(port.conn.packets[0]) != 2 {
		t.Fatalf("packets = %v, want one transaction of 2", port.conn.packets)
	}
	p := port.conn.packets[0]
	if !p[0].KeepCS || p[1].KeepCS {
		t.Errorf("KeepCS = %v, %v, want true, false", p[0].KeepCS, p[1].KeepCS)
	}
	if diff := cmp.Diff([]byte{3}, p[1].W); diff != "" {
		t.Errorf("second packet (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{3 * time.Microsecond}, *slept); diff != "" {
		t.Errorf("sleeps (-want +got):\n%s", diff)
	}
}

func TestLinkTransferTooLarge(t *testing.T) {
	port := &fakePort{maxTx: 4096}
	l, _ := newTestLink(port)

	err := l.Transfer(xmosspi.Transfer{Tx: make([]byte, 8192)})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Transfer(8192) = %v, want ErrTooLarge", err)
	}
	if !strings.Contains(err.Error(), "8192 bytes, limit 4096") {
		t.Errorf("error %q lacks the sizes", err)
	}
	if len(port.conn.writes) != 0 {
		t.Errorf("writes = %d, want 0", len(port.conn.writes))
	}
	if err := l.Transfer(xmosspi.Transfer{Tx: make([]byte, 4096)}); err != nil {
		t.Errorf("Transfer(4096) = %v", err)
	}
}

func TestLinkTransferErrors(t *testing.T) {
	port := &fakePort{connectErr: errors.New("busy")}
	l, _ := newTestLink(port)
	err := l.Transfer(xmosspi.Transfer{Tx: []byte{1}})
	if err == nil || !strings.Contains(err.Error(), "connect") {
		t.Errorf("Transfer() = %v, want connect error", err)
	}

	port.connectErr = nil
	if err := l.Transfer(xmosspi.Transfer{Tx: []byte{1}}); err != nil {
		t.Fatalf("Transfer() = %v", err)
	}
	port.conn.txErr = errors.New("bus fault")
	err = l.Transfer(xmosspi.Transfer{Tx: []byte{1}})
	if err == nil || !strings.Contains(err.Error(), "bus fault") {
		t.Errorf("Transfer() = %v, want bus fault", err)
	}
}

func TestProgramThroughPeriph(t *testing.T) {
	port := &fakePort{maxTx: 4096}
	l, slept := newTestLink(port)
	fs := memfsWith(t, "img-lsb.bin", make([]byte, 4096))

	prog := xmosspi.New(xmosspi.WithFilesystem(fs))
	if err := prog.Program(l, "img-lsb.bin", 1000000); err != nil {
		t.Fatalf("Program() = %v", err)
	}
	want := []connectCall{{physic.MegaHertz, spi.Mode0, 8}}
	if diff := cmp.Diff(want, port.connects); diff != "" {
		t.Errorf("connects (-want +got):\n%s", diff)
	}
	if len(port.conn.writes) != 1 || len(port.conn.writes[0]) != 4096 {
		t.Errorf("writes = %d, want one of 4096 bytes", len(port.conn.writes))
	}
	if diff := cmp.Diff([]time.Duration{xmosspi.DefaultTransferDelay}, *slept); diff != "" {
		t.Errorf("sleeps (-want +got):\n%s", diff)
	}

	fs = memfsWith(t, "big.bin", make([]byte, 8192))
	prog = xmosspi.New(xmosspi.WithFilesystem(fs))
	err := prog.Program(l, "big.bin", 1000000)
	var xferErr *xmosspi.TransferError
	if !errors.As(err, &xferErr) {
		t.Fatalf("Program(8192) = %v, want TransferError", err)
	}
	if xferErr.Size != 8192 || !errors.Is(err, ErrTooLarge) {
		t.Errorf("TransferError = %v, want 8192 bytes wrapping ErrTooLarge", xferErr)
	}
}

func TestProgramFasterAfterConnect(t *testing.T) {
	port := &fakePort{}
	l, _ := newTestLink(port)
	fs := memfsWith(t, "img-lsb.bin", make([]byte, 64))
	prog := xmosspi.New(xmosspi.WithFilesystem(fs))

	if err := prog.Program(l, "img-lsb.bin", 100000); err != nil {
		t.Fatalf("Program(100kHz) = %v", err)
	}

	err := prog.Program(l, "img-lsb.bin", 5000000)
	var cfgErr *xmosspi.LinkConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Program(5MHz) = %v, want LinkConfigError", err)
	}
	if cfgErr.Stage != xmosspi.StageSetMaxSpeed || !errors.Is(err, ErrReconnect) {
		t.Errorf("error = %v, want %v failing with ErrReconnect", err, xmosspi.StageSetMaxSpeed)
	}
	if len(port.connects) != 1 || len(port.conn.writes) != 1 {
		t.Errorf("connects = %d, writes = %d, want 1 and 1", len(port.connects), len(port.conn.writes))
	}

	if err := prog.Program(l, "img-lsb.bin", 50000); err != nil {
		t.Fatalf("Program(50kHz) = %v", err)
	}
	if port.limit != 50*physic.KiloHertz || len(port.conn.writes) != 2 {
		t.Errorf("limit = %s, writes = %d, want 50kHz and 2", port.limit, len(port.conn.writes))
	}
}
