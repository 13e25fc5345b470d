//go:build linux

package uartio

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux serial_rs485 ioctl, from <linux/serial.h>. Not exposed by
// golang.org/x/sys/unix directly, so the request number and flag bits are
// reproduced here. This is the direction-control knob a single-wire bus
// needs when the transceiver doesn't auto-direction itself.
const tiocsRS485 = 0x542F

const serialRS485Enabled = 1 << 0

type serialRS485 struct {
	flags          uint32
	delayRTSBefore uint32
	delayRTSAfter  uint32
	padding        [5]uint32
}

// enableRS485 puts the named serial device into RS-485 half-duplex mode via
// TIOCSRS485, so the transceiver only drives the bus while transmitting.
func enableRS485(name string) error {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("rs485 open %s: %w", name, err)
	}
	defer f.Close()

	cfg := serialRS485{flags: serialRS485Enabled}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), tiocsRS485, uintptr(unsafe.Pointer(&cfg)))
	if errno != 0 {
		return fmt.Errorf("rs485 ioctl %s: %w", name, errno)
	}
	return nil
}
