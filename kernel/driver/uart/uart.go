// Package uart drives a 16550-compatible serial port. The kernel uses COM1 as
// the output sink for its log messages.
package uart

import (
	"io"

	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/cpu"
	"github.com/marwinkloefer/bs-handin/kernel/kfmt"
)

// COM1 is the I/O base port of the first serial port.
const COM1 = uint16(0x3f8)

// Register offsets relative to the base port.
const (
	regData        = 0
	regIntEnable   = 1
	regDivisorLow  = 0
	regDivisorHigh = 1
	regFIFOCtrl    = 2
	regLineCtrl    = 3
	regModemCtrl   = 4
	regLineStatus  = 5
)

const (
	lineCtrlDLAB = 0x80
	lineCtrl8N1  = 0x03

	// Enable and clear both FIFOs with a 14-byte receive threshold.
	fifoCtrlEnable = 0xc7

	modemCtrlNormal   = 0x0f
	modemCtrlLoopback = 0x1e

	lineStatusTxEmpty = 1 << 5

	// 115200 / 38400
	baudDivisor = 3

	loopbackProbe = 0xae

	// txSpinLimit bounds the wait for the transmit register. A port that
	// never drains is treated as absent and its output is dropped.
	txSpinLimit = 100000
)

var (
	// Mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errLoopbackFailed = &kernel.Error{Module: "uart", Message: "loopback test failed; no serial port present"}
)

// Port is a serial port that implements io.Writer. Line feeds are expanded
// to CR LF.
type Port struct {
	// Base is the first I/O port of the device.
	Base uint16

	ready bool
}

// NewPort returns a driver for the serial port at base.
func NewPort(base uint16) *Port {
	return &Port{Base: base}
}

// DriverName returns the name of the driver.
func (p *Port) DriverName() string {
	return "uart_16550"
}

// DriverVersion returns the driver version.
func (p *Port) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit programs the port for 38400 baud 8N1 and verifies that it
// echoes a byte in loopback mode.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	p.out(regIntEnable, 0)
	p.out(regLineCtrl, lineCtrlDLAB)
	p.out(regDivisorLow, baudDivisor)
	p.out(regDivisorHigh, 0)
	p.out(regLineCtrl, lineCtrl8N1)
	p.out(regFIFOCtrl, fifoCtrlEnable)

	p.out(regModemCtrl, modemCtrlLoopback)
	p.out(regData, loopbackProbe)
	if got := p.in(regData); got != loopbackProbe {
		return errLoopbackFailed
	}

	p.out(regModemCtrl, modemCtrlNormal)
	p.ready = true

	kfmt.Fprintf(w, "[uart] port 0x%x initialized (38400 8N1)\n", p.Base)
	return nil
}

// Write implements io.Writer. Output written before a successful DriverInit
// is discarded.
func (p *Port) Write(data []byte) (int, error) {
	if !p.ready {
		return len(data), nil
	}

	for _, b := range data {
		if b == '\n' {
			p.writeByte('\r')
		}
		p.writeByte(b)
	}

	return len(data), nil
}

func (p *Port) writeByte(b byte) {
	for spins := 0; p.in(regLineStatus)&lineStatusTxEmpty == 0; spins++ {
		if spins == txSpinLimit {
			return
		}
	}

	p.out(regData, b)
}

func (p *Port) out(reg uint16, val uint8) {
	portWriteByteFn(p.Base+reg, val)
}

func (p *Port) in(reg uint16) uint8 {
	return portReadByteFn(p.Base + reg)
}
