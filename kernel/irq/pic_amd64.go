package irq

import "kernos/kernel/cpu"

// 8259A programmable interrupt controller ports and commands.
const (
	masterCommandPort = 0x20
	masterDataPort    = 0x21
	slaveCommandPort  = 0xa0
	slaveDataPort     = 0xa1

	picInitCommand = 0x11
	pic8086Mode    = 0x01
	picEOI         = 0x20

	// masterVectorOffset maps IRQ0 (the PIT) to gate.Timer.
	masterVectorOffset = 0x20
	slaveVectorOffset  = 0x28

	// Only IRQ0 is unmasked.
	masterMask = 0xfe
	slaveMask  = 0xff
)

// 8254 programmable interval timer.
const (
	pitChannel0Port = 0x40
	pitCommandPort  = 0x43

	// channel 0, lobyte/hibyte access, rate generator, binary mode.
	pitRateGenerator = 0x36

	pitBaseFrequency = 1193182

	// The 16-bit divisor cannot produce rates below 19 Hz.
	minTimerHz = 19
	maxTimerHz = 1000
)

var (
	// portWriteByteFn is mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
)

// remapPIC moves the legacy IRQs away from the exception vectors and masks
// everything except the timer.
func remapPIC() {
	portWriteByteFn(masterCommandPort, picInitCommand)
	portWriteByteFn(slaveCommandPort, picInitCommand)
	portWriteByteFn(masterDataPort, masterVectorOffset)
	portWriteByteFn(slaveDataPort, slaveVectorOffset)

	// The slave is cascaded through IRQ2.
	portWriteByteFn(masterDataPort, 4)
	portWriteByteFn(slaveDataPort, 2)

	portWriteByteFn(masterDataPort, pic8086Mode)
	portWriteByteFn(slaveDataPort, pic8086Mode)

	portWriteByteFn(masterDataPort, masterMask)
	portWriteByteFn(slaveDataPort, slaveMask)
}

// endOfInterrupt acknowledges irq so the PIC delivers further interrupts.
func endOfInterrupt(irq uint8) {
	if irq >= 8 {
		portWriteByteFn(slaveCommandPort, picEOI)
	}
	portWriteByteFn(masterCommandPort, picEOI)
}

// startTimer programs PIT channel 0 to fire hz times per second and returns
// the rate actually used after clamping.
func startTimer(hz uint32) uint32 {
	switch {
	case hz < minTimerHz:
		hz = minTimerHz
	case hz > maxTimerHz:
		hz = maxTimerHz
	}

	divisor := uint16(pitBaseFrequency / hz)
	portWriteByteFn(pitCommandPort, pitRateGenerator)
	portWriteByteFn(pitChannel0Port, uint8(divisor))
	portWriteByteFn(pitChannel0Port, uint8(divisor>>8))

	return hz
}
