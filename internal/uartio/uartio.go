// Package uartio wraps github.com/tarm/serial for the GEA2/GEA3 physical
// bus. The half/full-duplex distinction is purely a property of the
// wiring -- single-wire transceivers loop transmitted bytes back into
// Read, full-duplex transceivers don't -- not of this package.
package uartio

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens the named serial device at baud, with the given per-Read
// timeout. rs485 requests half-duplex RS-485 direction control via
// TIOCSRS485 (Linux only; see rs485_linux.go); it has no effect on other
// platforms. On Linux, if the ioctl fails the port is closed and Open
// returns the error.
func Open(name string, baud int, readTimeout time.Duration, rs485 bool) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	if rs485 {
		if err := enableRS485(name); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	return p, nil
}
