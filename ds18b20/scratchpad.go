// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"fmt"
	"strconv"

	"periph.io/x/conn/v3/onewire"
)

// ScratchpadSize is the length of the scratchpad on the wire, CRC included.
const ScratchpadSize = 9

// Scratchpad locations, datasheet p.7.
const (
	spadTempLSB   = 0
	spadTempMSB   = 1
	spadAlarmHigh = 2
	spadAlarmLow  = 3
	spadConfig    = 4
	spadCRC       = 8
)

// Resolution of a temperature conversion, as stored in bits 5-6 of the
// configuration register.
type Resolution uint8

const (
	Resolution9Bit  Resolution = 0 // 0.5°C, 94ms conversion
	Resolution10Bit Resolution = 1 // 0.25°C, 188ms conversion
	Resolution11Bit Resolution = 2 // 0.125°C, 376ms conversion
	Resolution12Bit Resolution = 3 // 0.0625°C, 752ms conversion
)

// Bits returns the number of bits of the resolution, 9 to 12.
func (r Resolution) Bits() int {
	return int(r) + 9
}

func (r Resolution) String() string {
	if r > Resolution12Bit {
		return "Resolution(" + strconv.Itoa(int(r)) + ")"
	}
	return strconv.Itoa(r.Bits()) + " bits"
}

// Scratchpad is the decoded content of the scratchpad memory.
type Scratchpad struct {
	Temperature float64 // last conversion result in °C
	AlarmHigh   int8    // TH register, °C
	AlarmLow    int8    // TL register, °C
	Resolution  Resolution
}

// DecodeScratchpad checks the CRC of the 9 scratchpad bytes and decodes them.
//
// crc8 computes the 1-wire CRC8; nil uses onewire.CalcCRC. A CRC mismatch
// rejects the whole buffer.
func DecodeScratchpad(spad []byte, crc8 func([]byte) byte) (Scratchpad, error) {
	if len(spad) != ScratchpadSize {
		return Scratchpad{}, fmt.Errorf("ds18b20: invalid scratchpad length %d", len(spad))
	}
	if crc8 == nil {
		crc8 = onewire.CalcCRC
	}
	if crc8(spad[:spadCRC]) != spad[spadCRC] {
		for _, b := range spad {
			if b != 0xff {
				return Scratchpad{}, ErrCRC
			}
		}
		return Scratchpad{}, fmt.Errorf("%w (device did not respond)", ErrCRC)
	}
	return Scratchpad{
		Temperature: DecodeTemperature(spad[spadTempLSB], spad[spadTempMSB]),
		AlarmHigh:   int8(spad[spadAlarmHigh]),
		AlarmLow:    int8(spad[spadAlarmLow]),
		Resolution:  DecodeResolution(spad[spadConfig]),
	}, nil
}

// DecodeTemperature decodes the temperature register, datasheet p.4.
//
// The top 5 bits of msb are sign bits. The fraction is summed from the
// individual bits of the low nibble of lsb so that every reading is an exact
// multiple of 1/16. Negative readings are two's complement: 0xFF91 decodes
// to -6.9375.
func DecodeTemperature(lsb, msb byte) float64 {
	whole := int(msb&0x07)<<4 | int(lsb>>4)
	if msb&0xf8 != 0 {
		// Sign extend the 7-bit integer part.
		whole -= 128
	}
	var frac float64
	if lsb&0x08 != 0 {
		frac += 0.5
	}
	if lsb&0x04 != 0 {
		frac += 0.25
	}
	if lsb&0x02 != 0 {
		frac += 0.125
	}
	if lsb&0x01 != 0 {
		frac += 0.0625
	}
	return float64(whole) + frac
}

// EncodeConfig returns the configuration register value for r. The low 5
// bits are reserved and always written as 1.
func EncodeConfig(r Resolution) byte {
	return byte(r)<<5 | 0x1f
}

// DecodeResolution extracts the resolution from a configuration register
// value.
func DecodeResolution(cfg byte) Resolution {
	return Resolution(cfg>>5) & 0x03
}
