// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20test implements a simulated DS18B20 on a 1-wire bus, to be
// used in tests of code that drives a ds18b20.Dev.
//
// The simulation works at the level of the ds18b20.Bus primitives. It
// understands the function commands of the device, lets a test hold a
// conversion busy for a number of polls, inject reset failures and corrupt
// the scratchpad CRC, and logs every primitive called.
package ds18b20test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/onewire"
)

// ErrClosed is returned by every primitive of a Bus after Close.
var ErrClosed = errors.New("ds18b20test: bus closed")

// PowerOn is the scratchpad content of a DS18B20 after power up, CRC
// excluded: 85°C, TH=75, TL=70, 12 bits resolution.
var PowerOn = [8]byte{0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10}

// MakeAddress returns a DS18B20 ROM code with the given 48-bit serial number
// and a valid CRC.
func MakeAddress(serial uint64) onewire.Address {
	var rom [8]byte
	binary.LittleEndian.PutUint64(rom[:], serial<<8|0x28)
	rom[7] = onewire.CalcCRC(rom[:7])
	return onewire.Address(binary.LittleEndian.Uint64(rom[:]))
}

// Bus is a 1-wire bus with simulated DS18B20 devices on it. Only the first
// address answers to function commands; the others only show up in a
// search.
//
// Bus implements ds18b20.Bus and io.Closer. It is safe for concurrent use.
type Bus struct {
	sync.Mutex
	// Addrs is returned by the search, in order. A bus without addresses
	// answers resets without a presence pulse.
	Addrs []onewire.Address
	// Scratchpad is the device RAM, CRC excluded.
	Scratchpad [8]byte
	// EEPROM holds TH, TL and the configuration register, as saved by
	// COPY SCRATCHPAD.
	EEPROM [3]byte
	// Temperature is loaded as LSB, MSB in the scratchpad when a conversion
	// completes.
	Temperature [2]byte
	// BusyPolls is the number of read slots that return 0 after CONVERT T
	// before the conversion completes.
	BusyPolls int
	// FailReset lists the resets, counted from 1, that get no presence
	// pulse.
	FailReset []int
	// CorruptCRC flips the CRC byte of every scratchpad read.
	CorruptCRC bool
	// Ops logs the primitives called, in order.
	Ops []string
	// Closed is set by Close. A closed bus fails all I/O with ErrClosed.
	Closed bool

	resets     int
	search     int
	selected   bool
	cmd        byte
	written    int
	converting bool
	busy       int
}

// NewBus returns a bus with a device at each address, with the power on
// scratchpad and 25°C as the result of the next conversion.
func NewBus(addrs ...onewire.Address) *Bus {
	return &Bus{
		Addrs:       addrs,
		Scratchpad:  PowerOn,
		EEPROM:      [3]byte{PowerOn[2], PowerOn[3], PowerOn[4]},
		Temperature: [2]byte{0x90, 0x01},
	}
}

func (b *Bus) String() string {
	return "ds18b20test"
}

// Reset implements ds18b20.Bus.
func (b *Bus) Reset() (bool, error) {
	b.Lock()
	defer b.Unlock()
	if b.Closed {
		return false, ErrClosed
	}
	b.resets++
	b.selected = false
	b.cmd = 0
	for _, n := range b.FailReset {
		if n == b.resets {
			b.Ops = append(b.Ops, "reset!")
			return false, nil
		}
	}
	b.Ops = append(b.Ops, "reset")
	return len(b.Addrs) != 0, nil
}

// Select implements ds18b20.Bus.
func (b *Bus) Select(addr onewire.Address) error {
	b.Lock()
	defer b.Unlock()
	if b.Closed {
		return ErrClosed
	}
	b.Ops = append(b.Ops, fmt.Sprintf("select %#016x", uint64(addr)))
	b.selected = len(b.Addrs) != 0 && b.Addrs[0] == addr
	return nil
}

// WriteByte implements ds18b20.Bus.
func (b *Bus) WriteByte(c byte) error {
	b.Lock()
	defer b.Unlock()
	if b.Closed {
		return ErrClosed
	}
	b.Ops = append(b.Ops, fmt.Sprintf("write %#04x", c))
	if !b.selected {
		return nil
	}
	if b.cmd == 0 {
		b.command(c)
		return nil
	}
	if b.cmd == 0x4e && b.written < 3 {
		if b.written == 2 {
			// Bit 7 reads 0 and bits 0-4 read 1, datasheet p.9.
			c = c&0x60 | 0x1f
		}
		b.Scratchpad[2+b.written] = c
		b.written++
	}
	return nil
}

// WriteBit implements ds18b20.Bus.
func (b *Bus) WriteBit(bit bool) error {
	b.Lock()
	defer b.Unlock()
	if b.Closed {
		return ErrClosed
	}
	b.Ops = append(b.Ops, fmt.Sprintf("write bit %t", bit))
	return nil
}

// ReadBit implements ds18b20.Bus.
//
// The line reads 0 while a conversion is busy and 1 otherwise.
func (b *Bus) ReadBit() (bool, error) {
	b.Lock()
	defer b.Unlock()
	if b.Closed {
		return false, ErrClosed
	}
	b.Ops = append(b.Ops, "read bit")
	if !b.converting {
		return true, nil
	}
	if b.busy > 0 {
		b.busy--
		return false, nil
	}
	b.converting = false
	b.Scratchpad[0] = b.Temperature[0]
	b.Scratchpad[1] = b.Temperature[1]
	return true, nil
}

// ReadBytes implements ds18b20.Bus.
func (b *Bus) ReadBytes(r []byte) error {
	b.Lock()
	defer b.Unlock()
	if b.Closed {
		return ErrClosed
	}
	b.Ops = append(b.Ops, fmt.Sprintf("read %d", len(r)))
	for i := range r {
		r[i] = 0xff
	}
	if !b.selected || b.cmd != 0xbe {
		return nil
	}
	var spad [9]byte
	copy(spad[:], b.Scratchpad[:])
	spad[8] = onewire.CalcCRC(spad[:8])
	if b.CorruptCRC {
		spad[8] ^= 0xff
	}
	copy(r, spad[:])
	return nil
}

// CRC8 implements ds18b20.Bus.
func (b *Bus) CRC8(d []byte) byte {
	return onewire.CalcCRC(d)
}

// SearchReset implements ds18b20.Bus.
func (b *Bus) SearchReset() {
	b.Lock()
	defer b.Unlock()
	b.Ops = append(b.Ops, "search reset")
	b.search = 0
}

// SearchNext implements ds18b20.Bus.
func (b *Bus) SearchNext() (onewire.Address, bool, error) {
	b.Lock()
	defer b.Unlock()
	if b.Closed {
		return 0, false, ErrClosed
	}
	b.Ops = append(b.Ops, "search next")
	if b.search >= len(b.Addrs) {
		return 0, false, nil
	}
	a := b.Addrs[b.search]
	b.search++
	return a, true, nil
}

// Close implements io.Closer.
func (b *Bus) Close() error {
	b.Lock()
	defer b.Unlock()
	b.Closed = true
	return nil
}

// Converting reports whether a conversion is in progress.
func (b *Bus) Converting() bool {
	b.Lock()
	defer b.Unlock()
	return b.converting
}

// command handles the first byte written after MATCH ROM.
func (b *Bus) command(c byte) {
	b.cmd = c
	switch c {
	case 0x44: // CONVERT T
		b.converting = true
		b.busy = b.BusyPolls
	case 0x48: // COPY SCRATCHPAD
		copy(b.EEPROM[:], b.Scratchpad[2:5])
	case 0x4e: // WRITE SCRATCHPAD
		b.written = 0
	}
}
