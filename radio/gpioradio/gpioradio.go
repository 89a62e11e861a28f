// Package gpioradio is an illustrative tsch.Radio built on a PTT line
// and a carrier-sense line driven through the Linux GPIO character
// device, the non-cgo equivalent of the teacher's libgpiod-based PTT
// keying (ptt.go): request a line, drive or read its value, release it
// on Close. It does not implement an actual IEEE 802.15.4 PHY -- framing
// and channel switching are left to whatever transceiver driver sits
// behind the byte sink passed to New -- it only demonstrates how the
// keying and carrier-sense half of tsch.Radio maps onto real GPIO
// hardware.
package gpioradio

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"github.com/tsch-go/tsch/tsch"
)

// Radio drives a half-duplex transceiver's PTT and carrier-sense lines
// over a GPIO chardev, and ships/reads frame bytes through an
// io.ReadWriter standing in for the transceiver's data interface
// (SPI, UART, or similar -- out of scope for this package).
type Radio struct {
	data io.ReadWriter

	ptt    *gpiocdev.Line
	cd     *gpiocdev.Line
	dio0   *gpiocdev.Line
	offset int

	mu      sync.Mutex
	channel uint8
	on      bool
	pending bool
}

// New requests the PTT (output), carrier-detect (input), and
// packet-pending (input) lines from the named GPIO chip and returns a
// Radio driving them. data carries frame bytes to and from the
// transceiver once keyed.
func New(chip string, pttOffset, carrierOffset, pendingOffset int, data io.ReadWriter) (*Radio, error) {
	var ptt, err = gpiocdev.RequestLine(chip, pttOffset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("gpioradio: requesting PTT line %d: %w", pttOffset, err)
	}

	cd, err := gpiocdev.RequestLine(chip, carrierOffset, gpiocdev.AsInput)
	if err != nil {
		ptt.Close()
		return nil, fmt.Errorf("gpioradio: requesting carrier-detect line %d: %w", carrierOffset, err)
	}

	dio0, err := gpiocdev.RequestLine(chip, pendingOffset, gpiocdev.AsInput)
	if err != nil {
		ptt.Close()
		cd.Close()
		return nil, fmt.Errorf("gpioradio: requesting packet-pending line %d: %w", pendingOffset, err)
	}

	return &Radio{data: data, ptt: ptt, cd: cd, dio0: dio0}, nil
}

// Close releases the GPIO lines. It does not touch data.
func (r *Radio) Close() error {
	var errs = []error{r.ptt.Close(), r.cd.Close(), r.dio0.Close()}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// SetChannel records the channel for telemetry; actual frequency
// synthesis is the transceiver driver's job, reached through data.
func (r *Radio) SetChannel(_ context.Context, channel uint8) error {
	r.mu.Lock()
	r.channel = channel
	r.mu.Unlock()

	return nil
}

// On asserts PTT.
func (r *Radio) On(_ context.Context) error {
	r.mu.Lock()
	r.on = true
	r.mu.Unlock()

	return r.ptt.SetValue(1)
}

// Off de-asserts PTT.
func (r *Radio) Off(_ context.Context) error {
	r.mu.Lock()
	r.on = false
	r.mu.Unlock()

	return r.ptt.SetValue(0)
}

// Prepare stages length bytes on the data sink ahead of Transmit.
func (r *Radio) Prepare(_ context.Context, buf []byte) error {
	var _, err = r.data.Write(buf)
	return err
}

// Transmit is a no-op beyond the write already done in Prepare: real
// transceivers key off the PTT edge already raised by On, and the byte
// stream written in Prepare is what actually goes over the air.
func (r *Radio) Transmit(_ context.Context, length int) error {
	return nil
}

// ReceivingPacket reports the carrier-detect line's state.
func (r *Radio) ReceivingPacket(_ context.Context) bool {
	var v, err = r.cd.Value()
	return err == nil && v != 0
}

// PendingPacket reports the packet-pending (DIO0-style) line's state.
func (r *Radio) PendingPacket(_ context.Context) bool {
	var v, err = r.dio0.Value()
	return err == nil && v != 0
}

// Read drains whatever the transceiver driver has buffered on data.
func (r *Radio) Read(_ context.Context, dest []byte) (int, int8, error) {
	var n, err = r.data.Read(dest)
	return n, 0, err
}

// ChannelClear reports the inverse of carrier-detect: clear to send
// when no carrier is present.
func (r *Radio) ChannelClear(ctx context.Context) (bool, error) {
	return !r.ReceivingPacket(ctx), nil
}

var _ tsch.Radio = (*Radio)(nil)
