// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"fmt"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/onewire"
)

// ConversionFunc receives the outcome of a conversion started with
// StartConversion. It is called exactly once: with the temperature in °C and
// a nil error, or with the error that ended the conversion.
type ConversionFunc func(celsius float64, err error)

// StartConversion starts a temperature conversion and returns without
// waiting for it.
//
// The device holds the bus low until the conversion is done. The driver
// samples the bus every Opts.PollInterval through Opts.Timer, then reads the
// scratchpad and calls fn. There is no way to cancel a conversion once it is
// started; set Opts.MaxPolls to bound how long it may poll.
//
// The polls use the bus like any other operation: the caller must not issue
// other operations on the same bus until fn has been called.
func (d *Dev) StartConversion(fn ConversionFunc) error {
	if fn == nil {
		return ErrMissingCallback
	}
	b, err := d.acquire()
	if err != nil {
		return err
	}
	c := &conversion{
		bus:      b,
		addr:     d.addr,
		timer:    d.opts.Timer,
		interval: d.opts.PollInterval,
		maxPolls: d.opts.MaxPolls,
		logger:   d.opts.Logger,
		fn:       fn,
		done:     d.release,
	}
	if err := c.start(); err != nil {
		d.release()
		return err
	}
	return nil
}

// conversion is one temperature conversion in flight. It holds its own copy
// of the bus and address so that it does not depend on the Dev once started.
// done, if set, is called once the bus is no longer used.
type conversion struct {
	bus      Bus
	addr     onewire.Address
	timer    Timer
	interval time.Duration
	maxPolls int // 0 is unbounded
	logger   *slog.Logger
	fn       ConversionFunc
	done     func()

	state state
	polls int // number of ready checks done
}

func (c *conversion) start() error {
	if err := command(c.bus, c.addr, cmdConvert); err != nil {
		c.state = stateFailed
		return err
	}
	c.state = stateStarted
	c.debugLog("ds18b20: conversion started")
	c.schedule()
	return nil
}

// schedule arms the next ready check.
func (c *conversion) schedule() {
	c.state = statePolling
	c.timer.AfterFunc(c.interval, c.poll)
}

// poll samples the ready signal. The device reads as 0 while converting and
// as 1 once done.
func (c *conversion) poll() {
	c.polls++
	ready, err := c.bus.ReadBit()
	if err != nil {
		c.finish(0, err)
		return
	}
	if !ready {
		if c.maxPolls > 0 && c.polls >= c.maxPolls {
			c.finish(0, ErrConversionTimeout)
			return
		}
		c.debugLog("ds18b20: conversion not ready", "polls", c.polls)
		c.schedule()
		return
	}
	s, err := readScratchpad(c.bus, c.addr)
	if err != nil {
		c.finish(0, err)
		return
	}
	c.finish(s.Temperature, nil)
}

func (c *conversion) finish(t float64, err error) {
	if err != nil {
		c.state = stateFailed
		c.debugLog("ds18b20: conversion failed", "polls", c.polls, "err", err)
	} else {
		c.state = stateCompleted
		c.debugLog("ds18b20: conversion completed", "polls", c.polls, "celsius", t)
	}
	if c.done != nil {
		c.done()
	}
	c.fn(t, err)
}

func (c *conversion) debugLog(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, append([]any{"addr", fmt.Sprintf("%#016x", uint64(c.addr))}, args...)...)
	}
}

// state of a conversion.
type state uint8

const (
	stateIdle state = iota
	stateStarted
	statePolling
	stateCompleted
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarted:
		return "started"
	case statePolling:
		return "polling"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return "state(" + fmt.Sprint(uint8(s)) + ")"
	}
}
