package hal

import (
	"bytes"
	"io"
	"kernos/device"
	"kernos/kernel"
	"kernos/kernel/kfmt"
	"strings"
	"testing"
)

type mockDriver struct {
	name    string
	initErr *kernel.Error
}

func (d *mockDriver) DriverName() string                      { return d.name }
func (d *mockDriver) DriverVersion() (uint16, uint16, uint16) { return 1, 2, 3 }
func (d *mockDriver) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "probing %s\n", d.name)
	return d.initErr
}

type mockSinkDriver struct {
	mockDriver
	bytes.Buffer
}

func TestDetectHardware(t *testing.T) {
	defer func() {
		devices = managedDevices{}
		setOutputSinkFn = kfmt.SetOutputSink
		kfmt.SetOutputSink(nil)
	}()

	var (
		log       bytes.Buffer
		sinks     []io.Writer
		plain     = &mockDriver{name: "plain"}
		broken    = &mockDriver{name: "broken", initErr: &kernel.Error{Module: "test", Message: "no device"}}
		firstSink = &mockSinkDriver{mockDriver: mockDriver{name: "uart0"}}
		otherSink = &mockSinkDriver{mockDriver: mockDriver{name: "uart1"}}
		probeFor  = func(drv device.Driver) device.ProbeFn {
			return func() device.Driver { return drv }
		}
	)

	kfmt.SetOutputSink(&log)
	setOutputSinkFn = func(w io.Writer) { sinks = append(sinks, w) }

	probe(device.DriverInfoList{
		{Probe: func() device.Driver { return nil }},
		{Probe: probeFor(broken)},
		{Probe: probeFor(plain)},
		{Probe: probeFor(firstSink)},
		{Probe: probeFor(otherSink)},
	})

	if got := ActiveSink(); got != io.Writer(firstSink) {
		t.Fatalf("expected the first output-capable driver to become the sink; got %v", got)
	}

	if len(sinks) != 1 || sinks[0] != io.Writer(firstSink) {
		t.Fatalf("expected the output sink to be set exactly once; got %d calls", len(sinks))
	}

	if exp, got := 3, len(ActiveDrivers()); got != exp {
		t.Fatalf("expected %d active drivers; got %d", exp, got)
	}

	out := log.String()
	for _, exp := range []string{
		"[hal] broken(1.2.3): probing broken\n",
		"[hal] broken(1.2.3): init failed: no device\n",
		"[hal] plain(1.2.3): initialized\n",
		"[hal] uart0(1.2.3): initialized\n",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestDetectHardwareOrder(t *testing.T) {
	defer func() {
		devices = managedDevices{}
		setOutputSinkFn = kfmt.SetOutputSink
	}()

	var probed []string
	record := func(name string) device.ProbeFn {
		return func() device.Driver {
			probed = append(probed, name)
			return nil
		}
	}

	device.RegisterDriver(&device.DriverInfo{Order: device.DetectOrderLast, Probe: record("last")})
	device.RegisterDriver(&device.DriverInfo{Order: device.DetectOrderEarly, Probe: record("early")})
	device.RegisterDriver(&device.DriverInfo{Order: device.DetectOrderDefault, Probe: record("default")})

	DetectHardware()

	if exp := "early,default,last"; strings.Join(probed, ",") != exp {
		t.Fatalf("expected probe order %s; got %v", exp, probed)
	}

	if ActiveSink() != nil {
		t.Fatal("expected no output sink when no driver is detected")
	}
}
