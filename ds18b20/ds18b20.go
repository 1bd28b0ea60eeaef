// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10

// Bus is the set of 1-wire primitives the driver sequences. It never deals
// with bus timing itself.
//
// Reset returns false when no device answered with a presence pulse. Select
// issues MATCH ROM followed by the 8 address bytes. SearchNext returns false
// once the enumeration started by SearchReset has no more devices.
//
// Implementations return an error only when the bus master itself fails.
type Bus interface {
	Reset() (bool, error)
	Select(addr onewire.Address) error
	WriteByte(b byte) error
	WriteBit(bit bool) error
	ReadBit() (bool, error)
	ReadBytes(r []byte) error
	CRC8(b []byte) byte
	SearchReset()
	SearchNext() (onewire.Address, bool, error)
}

// Timer runs f once after d has elapsed, off the caller's stack.
type Timer interface {
	AfterFunc(d time.Duration, f func())
}

// TimerFunc adapts an ordinary function to the Timer interface.
type TimerFunc func(d time.Duration, f func())

// AfterFunc implements Timer.
func (t TimerFunc) AfterFunc(d time.Duration, f func()) {
	t(d, f)
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// PollInterval is the delay between two checks of the ready signal while
	// a conversion is in progress.
	PollInterval time.Duration
	// MaxPolls bounds the number of "not ready" polls of a conversion before
	// it fails with ErrConversionTimeout. 0 polls forever.
	MaxPolls int
	// Timer schedules the deferred polls. nil uses time.AfterFunc, which
	// runs the polls on their own goroutine. A Timer that runs the polls on
	// the caller's event loop cannot be used with Sense from that loop.
	Timer Timer
	// Logger receives debug records. If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	PollInterval: 100 * time.Millisecond,
}

// New searches the bus and returns a handle to the first device found.
//
// The address returned by the search is checked against its CRC before it is
// accepted. Only one device per bus is supported; other devices are ignored.
// No retry is performed, call New again to retry.
func New(b Bus, opts *Opts) (*Dev, error) {
	if b == nil {
		return nil, ErrInvalidHandle
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{opts: *opts, bus: b}
	if d.opts.PollInterval <= 0 {
		d.opts.PollInterval = DefaultOpts.PollInterval
	}
	if d.opts.Timer == nil {
		d.opts.Timer = TimerFunc(afterFunc)
	}

	b.SearchReset()
	addr, ok, err := b.SearchNext()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	rom := romBytes(addr)
	if b.CRC8(rom[:7]) != rom[7] {
		return nil, ErrAddressCRC
	}
	d.addr = addr
	d.debugLog("ds18b20: device found", "addr", fmt.Sprintf("%#016x", uint64(addr)), "family", d.Family())
	return d, nil
}

// Dev is a handle to a Dallas Semi / Maxim DS18B20 temperature sensor on a
// 1-wire bus.
//
// The handle stays bound to the bus and address found by New until Close.
type Dev struct {
	addr onewire.Address // validated device address
	opts Opts

	mu       sync.Mutex
	bus      Bus           // nil once closed
	closing  Bus           // closed by the last conversion to finish after Close
	inflight int           // conversions started and not finished
	shutdown chan struct{} // closed by Halt to stop SenseContinuous
	loop     sync.WaitGroup
}

// Address returns the 64-bit ROM code of the device.
func (d *Dev) Address() onewire.Address {
	return d.addr
}

func (d *Dev) Family() Family {
	return Family(d.addr & 0xFF)
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%#016x}", d.Family(), uint64(d.addr))
}

// ReadScratchpad reads and decodes the 9 bytes of scratchpad memory.
//
// The read is rejected as a whole when the scratchpad CRC does not match.
func (d *Dev) ReadScratchpad() (Scratchpad, error) {
	b, err := d.getBus()
	if err != nil {
		return Scratchpad{}, err
	}
	return readScratchpad(b, d.addr)
}

// WriteScratchpad writes the alarm thresholds and the resolution to the
// scratchpad and copies them to the device's EEPROM.
//
// An interrupted sequence is not recovered; the caller must retry the whole
// write.
func (d *Dev) WriteScratchpad(high, low int8, r Resolution) error {
	bus, err := d.getBus()
	if err != nil {
		return err
	}
	if r > Resolution12Bit {
		return ErrInvalidResolution
	}
	if err := command(bus, d.addr, cmdWriteScratchpad); err != nil {
		return err
	}
	for _, b := range []byte{byte(high), byte(low), EncodeConfig(r)} {
		if err := bus.WriteByte(b); err != nil {
			return err
		}
	}
	if err := reset(bus); err != nil {
		return err
	}
	// Copy the scratchpad to EEPROM to save the values.
	if err := command(bus, d.addr, cmdCopyScratchpad); err != nil {
		return err
	}
	// Wait for the write to complete.
	sleep(10 * time.Millisecond)
	return reset(bus)
}

// Close stops continuous sensing, waits for its loop to exit and releases the
// handle. The bus is closed too when it implements io.Closer.
//
// A conversion already polling keeps using the bus and runs to completion;
// the bus is then closed when the last such conversion finishes.
func (d *Dev) Close() error {
	if d == nil {
		return ErrInvalidHandle
	}
	d.mu.Lock()
	b := d.bus
	if b == nil {
		d.mu.Unlock()
		return ErrInvalidHandle
	}
	d.bus = nil
	if d.shutdown != nil {
		close(d.shutdown)
		d.shutdown = nil
	}
	if d.inflight > 0 {
		d.closing = b
		b = nil
	}
	d.mu.Unlock()
	d.loop.Wait()
	if b == nil {
		d.debugLog("ds18b20: bus close deferred until conversion completes")
		return nil
	}
	return closeBus(b)
}

// Halt implements conn.Resource.
//
// It stops a SenseContinuous loop, if any.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		close(d.shutdown)
		d.shutdown = nil
	}
	return nil
}

// Sense implements physic.SenseEnv.
//
// It runs one conversion and blocks until its callback fires. With the
// default unbounded MaxPolls a device that never becomes ready blocks Sense
// forever.
//
// Sense must not be called from the goroutine that runs the Opts.Timer
// callbacks: the polls would never run and Sense would deadlock. Event loop
// owners use StartConversion instead.
func (d *Dev) Sense(e *physic.Env) error {
	type result struct {
		c   float64
		err error
	}
	done := make(chan result, 1)
	if err := d.StartConversion(func(c float64, err error) { done <- result{c, err} }); err != nil {
		return err
	}
	r := <-done
	if r.err != nil {
		return r.err
	}
	e.Temperature = celsius(r.c)
	return nil
}

// SenseContinuous implements physic.SenseEnv.
//
// A conversion is started on every tick of interval. Failed conversions are
// skipped. The channel is closed by Halt.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	if d == nil {
		return nil, ErrInvalidHandle
	}
	if interval <= 0 {
		return nil, errors.New("ds18b20: invalid interval")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return nil, ErrInvalidHandle
	}
	if d.shutdown != nil {
		return nil, errors.New("ds18b20: already sensing continuously")
	}
	d.shutdown = make(chan struct{})
	ch := make(chan physic.Env)
	d.loop.Add(1)
	go d.senseContinuous(interval, ch, d.shutdown)
	return ch, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 16
}

//

func (d *Dev) senseContinuous(interval time.Duration, ch chan<- physic.Env, shutdown <-chan struct{}) {
	defer d.loop.Done()
	defer close(ch)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-t.C:
			e := physic.Env{}
			if err := d.Sense(&e); err != nil {
				d.debugLog("ds18b20: continuous sense failed", "err", err)
				continue
			}
			select {
			case ch <- e:
			case <-shutdown:
				return
			}
		}
	}
}

// getBus returns the bus of an open handle.
func (d *Dev) getBus() (Bus, error) {
	if d == nil {
		return nil, ErrInvalidHandle
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return nil, ErrInvalidHandle
	}
	return d.bus, nil
}

// acquire returns the bus for a new conversion and counts it in flight.
func (d *Dev) acquire() (Bus, error) {
	if d == nil {
		return nil, ErrInvalidHandle
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return nil, ErrInvalidHandle
	}
	d.inflight++
	return d.bus, nil
}

// release ends a conversion counted by acquire. The last one to end after
// Close closes the bus.
func (d *Dev) release() {
	d.mu.Lock()
	d.inflight--
	b := d.closing
	if d.inflight > 0 || b == nil {
		d.mu.Unlock()
		return
	}
	d.closing = nil
	d.mu.Unlock()
	if err := closeBus(b); err != nil {
		d.debugLog("ds18b20: closing bus failed", "err", err)
	}
}

func closeBus(b Bus) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *Dev) debugLog(msg string, args ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Debug(msg, args...)
	}
}

// command resets the bus, addresses the device and sends a function command.
func command(b Bus, addr onewire.Address, cmd byte) error {
	if err := reset(b); err != nil {
		return err
	}
	if err := b.Select(addr); err != nil {
		return err
	}
	return b.WriteByte(cmd)
}

// reset issues a bus reset and requires a presence pulse.
func reset(b Bus) error {
	present, err := b.Reset()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBusReset, err)
	}
	if !present {
		return ErrBusReset
	}
	return nil
}

// readScratchpad reads the 9 bytes of scratchpad, checks the CRC and ends the
// transaction with a reset.
func readScratchpad(b Bus, addr onewire.Address) (Scratchpad, error) {
	if err := command(b, addr, cmdReadScratchpad); err != nil {
		return Scratchpad{}, err
	}
	var spad [ScratchpadSize]byte
	if err := b.ReadBytes(spad[:]); err != nil {
		return Scratchpad{}, err
	}
	s, err := DecodeScratchpad(spad[:], b.CRC8)
	if err != nil {
		return Scratchpad{}, err
	}
	if err := reset(b); err != nil {
		return Scratchpad{}, err
	}
	return s, nil
}

// romBytes returns the address in wire order: family code first, CRC last.
func romBytes(a onewire.Address) [8]byte {
	var rom [8]byte
	binary.LittleEndian.PutUint64(rom[:], uint64(a))
	return rom
}

// celsius converts a decoded reading to a physic.Temperature.
func celsius(c float64) physic.Temperature {
	return physic.Temperature(math.Round(c*float64(physic.Kelvin))) + physic.ZeroCelsius
}

func afterFunc(d time.Duration, f func()) {
	time.AfterFunc(d, f)
}

// DS18B20 function commands, datasheet p.11.
const (
	cmdConvert         = 0x44 // start temperature conversion
	cmdCopyScratchpad  = 0x48 // copy alarm and config bytes to EEPROM
	cmdReadScratchpad  = 0xbe // read the 9 scratchpad bytes
	cmdWriteScratchpad = 0x4e // write alarm and config bytes
)

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
