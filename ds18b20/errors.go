// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import "errors"

// Errors caused by how the driver is used.
var (
	ErrInvalidHandle     = errors.New("ds18b20: invalid device handle")
	ErrMissingCallback   = errors.New("ds18b20: missing conversion callback")
	ErrInvalidResolution = errors.New("ds18b20: invalid resolution")
)

// Errors on the 1-wire bus. They implement onewire.BusError.
const (
	ErrNotFound          busError = "ds18b20: no device found on the bus"
	ErrAddressCRC        busError = "ds18b20: incorrect address CRC"
	ErrCRC               busError = "ds18b20: incorrect scratchpad CRC"
	ErrBusReset          busError = "ds18b20: no presence pulse after bus reset"
	ErrConversionTimeout busError = "ds18b20: conversion did not complete"
)

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }
