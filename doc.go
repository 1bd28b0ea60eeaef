// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package w1temp is a container for 1-wire temperature sensor drivers and
// the bus masters they run on.
//
// ds18b20 contains the sensor driver, ds248x the I²C to 1-wire bridge.
package w1temp
