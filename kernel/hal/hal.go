// Package hal probes the registered device drivers and selects the kernel's
// diagnostic output sink.
package hal

import (
	"bytes"
	"io"
	"kernos/device"
	"kernos/kernel/kfmt"
	"sort"
)

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeSink io.Writer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer

	// setOutputSinkFn is mocked by tests.
	setOutputSinkFn = kfmt.SetOutputSink
)

// logWriter forwards driver output to whatever sink kfmt currently uses so
// that output written before a sink exists lands in the early print buffer.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	kfmt.Printf("%s", p)
	return len(p), nil
}

// ActiveSink returns the driver that receives kernel output or nil if no
// output-capable driver was found.
func ActiveSink() io.Writer {
	return devices.activeSink
}

// ActiveDrivers returns the drivers that were successfully initialized.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware() {
	// Get driver list and sort by detection priority
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: logWriter{}}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(info, drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized. The first driver that can accept output
// becomes the kernel output sink and receives the early print buffer.
func onDriverInit(_ *device.DriverInfo, drv device.Driver) {
	sink, ok := drv.(io.Writer)
	if !ok || devices.activeSink != nil {
		return
	}

	devices.activeSink = sink
	setOutputSinkFn(sink)
}
