// Package serial drives a 16550-compatible UART that serves as the kernel's
// diagnostic output sink.
package serial

import (
	"io"
	"kernos/device"
	"kernos/kernel"
	"kernos/kernel/cpu"
	"kernos/kernel/kfmt"
)

// COM1 is the I/O base port of the first serial controller.
const COM1 = uint16(0x3f8)

// UART register offsets relative to the base port.
const (
	regData        = 0
	regIntEnable   = 1
	regFIFOControl = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5
	regScratch     = 7

	lineStatusTxEmpty = 1 << 5
	lineControlDLAB   = 1 << 7

	// maxTxPolls bounds the wait for the transmit holding register so a
	// missing UART cannot hang the kernel.
	maxTxPolls = 1 << 16

	scratchPattern = 0xae
)

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Port is an io.Writer backed by a UART.
type Port struct {
	base uint16
}

// New returns a Port for the UART at the supplied base port. Init must be
// called before writing to it.
func New(base uint16) *Port {
	return &Port{base: base}
}

// Init programs the UART for 115200 baud, 8 data bits, no parity and one
// stop bit with FIFOs enabled and interrupts disabled.
func (p *Port) Init() {
	portWriteByteFn(p.base+regIntEnable, 0x00)
	portWriteByteFn(p.base+regLineControl, lineControlDLAB)
	// divisor 1 -> 115200 baud
	portWriteByteFn(p.base+regData, 0x01)
	portWriteByteFn(p.base+regIntEnable, 0x00)
	portWriteByteFn(p.base+regLineControl, 0x03)
	portWriteByteFn(p.base+regFIFOControl, 0xc7)
	portWriteByteFn(p.base+regModemCtrl, 0x03)
}

// Write implements io.Writer. Line feeds are expanded to CR LF.
func (p *Port) Write(b []byte) (int, error) {
	for _, ch := range b {
		if ch == '\n' {
			p.writeByte('\r')
		}
		p.writeByte(ch)
	}

	return len(b), nil
}

func (p *Port) writeByte(ch byte) {
	for polls := 0; polls < maxTxPolls; polls++ {
		if portReadByteFn(p.base+regLineStatus)&lineStatusTxEmpty != 0 {
			break
		}
	}

	portWriteByteFn(p.base+regData, ch)
}

// DriverName implements device.Driver.
func (p *Port) DriverName() string {
	return "serial"
}

// DriverVersion implements device.Driver.
func (p *Port) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit implements device.Driver.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	p.Init()
	kfmt.Fprintf(w, "UART at port 0x%x set to 115200 8N1\n", p.base)
	return nil
}

// probeForCOM1 reports a driver for COM1 if its scratch register holds a
// written value. Nothing answers on an absent port so reads float high.
func probeForCOM1() device.Driver {
	portWriteByteFn(COM1+regScratch, scratchPattern)
	if portReadByteFn(COM1+regScratch) != scratchPattern {
		return nil
	}

	return New(COM1)
}

// DriverInfo returns the registration entry for the serial driver. It is
// probed early so every later driver can log through it.
func DriverInfo() *device.DriverInfo {
	return &device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForCOM1,
	}
}
