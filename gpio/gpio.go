//go:build linux

// Package gpio reads encoder phase lines through the Linux GPIO character
// device (uAPI v2, /dev/gpiochipN). Each requested line owns its own file
// descriptor, delivers edge events through it, and satisfies encoder.Pin
// for level reads.
package gpio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel uAPI structs from <linux/gpio.h>. Layouts must match the C structs
// exactly (all 64-bit fields are 8-byte aligned).

type lineAttribute struct {
	ID      uint32
	Padding uint32
	Value   uint64 // union of flags / values / debounce_period_us
}

type lineConfigAttribute struct {
	Attr lineAttribute
	Mask uint64
}

type lineConfig struct {
	Flags    uint64
	NumAttrs uint32
	Padding  [5]uint32
	Attrs    [10]lineConfigAttribute
}

type lineRequest struct {
	Offsets         [64]uint32
	Consumer        [32]byte
	Config          lineConfig
	NumLines        uint32
	EventBufferSize uint32
	Padding         [5]uint32
	Fd              int32
}

type lineValues struct {
	Bits uint64
	Mask uint64
}

type lineEvent struct {
	TimestampNS uint64
	ID          uint32
	Offset      uint32
	Seqno       uint32
	LineSeqno   uint32
	Padding     [6]uint32
}

// Line request flags (GPIO_V2_LINE_FLAG_*).
const (
	flagInput       = 1 << 2
	flagEdgeRising  = 1 << 4
	flagEdgeFalling = 1 << 5
	flagBiasPullUp  = 1 << 8
)

// Edge event ids (GPIO_V2_LINE_EVENT_*).
const (
	eventRisingEdge  = 1
	eventFallingEdge = 2
)

// lineEventSize is the wire size of one edge event read from a line fd.
var lineEventSize = binary.Size(lineEvent{})

// ioctl request numbers are computed locally with the _IOWR encoding
// (dir 2 bits | size 14 bits | type 8 bits | nr 8 bits) so the package only
// needs unix.Syscall from the platform layer. 0xB4 is the GPIO ioctl type.
const gpioIoctlType = 0xB4

func iowr(nr, size uintptr) uintptr {
	const dirReadWrite = 3
	return dirReadWrite<<30 | size<<16 | gpioIoctlType<<8 | nr
}

var (
	getLineIoctl   = iowr(0x07, unsafe.Sizeof(lineRequest{}))
	getValuesIoctl = iowr(0x0E, unsafe.Sizeof(lineValues{}))
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Chip is an open GPIO character device (e.g. /dev/gpiochip0).
type Chip struct {
	f *os.File
}

// OpenChip opens a GPIO character device by path.
func OpenChip(path string) (*Chip, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", path, err)
	}
	return &Chip{f: f}, nil
}

// Close releases the chip device. Lines requested from the chip stay valid:
// each holds its own file descriptor.
func (c *Chip) Close() error {
	return c.f.Close()
}

// LineOptions configures a requested input line.
type LineOptions struct {
	// Consumer is the label shown in /sys/kernel/debug/gpio and gpioinfo.
	Consumer string
	// PullUp enables the internal pull-up bias. Most bare encoder modules
	// switch the line to ground and need this.
	PullUp bool
}

// RequestLine requests a single input line with both-edge detection and
// returns it. The line owns its fd until Close.
func (c *Chip) RequestLine(offset uint32, opts LineOptions) (*Line, error) {
	var req lineRequest
	req.Offsets[0] = offset
	req.NumLines = 1
	req.Config.Flags = flagInput | flagEdgeRising | flagEdgeFalling
	if opts.PullUp {
		req.Config.Flags |= flagBiasPullUp
	}
	copy(req.Consumer[:len(req.Consumer)-1], opts.Consumer)

	if err := ioctl(int(c.f.Fd()), getLineIoctl, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("request line %d on %s: %w", offset, c.f.Name(), err)
	}

	return &Line{fd: int(req.Fd), offset: offset}, nil
}

// Line is a requested GPIO input line with edge detection armed.
type Line struct {
	fd     int
	offset uint32
}

// IsHigh reports the current logic level of the line. It satisfies
// encoder.Pin.
func (l *Line) IsHigh() (bool, error) {
	v := lineValues{Mask: 1}
	if err := ioctl(l.fd, getValuesIoctl, unsafe.Pointer(&v)); err != nil {
		return false, fmt.Errorf("get value of line %d: %w", l.offset, err)
	}
	return v.Bits&1 != 0, nil
}

// Fd returns the line's file descriptor for event polling.
func (l *Line) Fd() int {
	return l.fd
}

// Offset returns the line's offset on its chip.
func (l *Line) Offset() uint32 {
	return l.offset
}

// ReadEvent blocks until the next edge event on this line and returns it
// decoded. Most callers should use Watch instead, which multiplexes several
// lines without blocking a goroutine per line.
func (l *Line) ReadEvent() (Event, error) {
	buf := make([]byte, lineEventSize)
	if _, err := unix.Read(l.fd, buf); err != nil {
		return Event{}, fmt.Errorf("read line %d event: %w", l.offset, err)
	}
	return decodeLineEvent(buf)
}

// Close releases the line back to the kernel.
func (l *Line) Close() error {
	return unix.Close(l.fd)
}

// Event is one decoded edge event from a line.
type Event struct {
	// Offset of the line that saw the edge.
	Offset uint32
	// Rising is true for a rising edge, false for a falling edge.
	Rising bool
	// TimestampNS is the kernel-provided monotonic timestamp.
	TimestampNS uint64
	// Seqno is the per-line event sequence number.
	Seqno uint32
}

// decodeLineEvent parses one gpio_v2_line_event from a raw kernel read.
// The kernel writes the struct in native byte order.
func decodeLineEvent(buf []byte) (Event, error) {
	var ev lineEvent
	if err := binary.Read(bytes.NewReader(buf), binary.NativeEndian, &ev); err != nil {
		return Event{}, fmt.Errorf("decode line event: %w", err)
	}

	switch ev.ID {
	case eventRisingEdge, eventFallingEdge:
	default:
		return Event{}, fmt.Errorf("unknown line event id %d", ev.ID)
	}

	return Event{
		Offset:      ev.Offset,
		Rising:      ev.ID == eventRisingEdge,
		TimestampNS: ev.TimestampNS,
		Seqno:       ev.LineSeqno,
	}, nil
}
