// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 interfaces to a Dallas Semi / Maxim DS18B20 digital
// thermometer on a 1-wire bus.
//
// The driver talks to the bus through the byte and bit level Bus interface,
// which a bus master such as the ds248x implements. New binds to the first
// device found on the bus; only a single sensor per bus is supported.
//
// Temperature conversions are asynchronous: StartConversion issues the
// conversion command and returns, then the driver polls the bus for the
// device's ready signal through a deferred Timer and hands the result to a
// callback. All operations on a bus must be serialized by the caller,
// including the deferred polls of a conversion in flight.
//
// # Datasheet
//
// https://datasheets.maximintegrated.com/en/ds/DS18B20.pdf
package ds18b20
