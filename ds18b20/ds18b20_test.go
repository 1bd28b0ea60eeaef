// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/w1temp/ds18b20/ds18b20test"
)

var addr onewire.Address = 0x740000070e41ac28

const sel = "select 0x740000070e41ac28"

func TestNew(t *testing.T) {
	bus := ds18b20test.NewBus(addr)
	d, err := New(bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a := d.Address(); a != addr {
		t.Fatalf("expected %#x, got %#x", addr, a)
	}
	if s := d.String(); s != "DS18B20{0x740000070e41ac28}" {
		t.Fatal(s)
	}
	if diff := cmp.Diff([]string{"search reset", "search next"}, bus.Ops); diff != "" {
		t.Fatalf("unexpected bus I/O (-want +got):\n%s", diff)
	}
}

func TestNew_first_device(t *testing.T) {
	second := ds18b20test.MakeAddress(1)
	bus := ds18b20test.NewBus(addr, second)
	d, err := New(bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Address() != addr {
		t.Fatalf("expected the first device, got %#x", d.Address())
	}
}

func TestNew_fail_not_found(t *testing.T) {
	bus := ds18b20test.NewBus()
	if d, err := New(bus, nil); d != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNew_fail_address_crc(t *testing.T) {
	bus := ds18b20test.NewBus(addr ^ 0x0100000000000000)
	if d, err := New(bus, nil); d != nil || !errors.Is(err, ErrAddressCRC) {
		t.Fatalf("expected ErrAddressCRC, got %v", err)
	}
}

func TestNew_fail_nil_bus(t *testing.T) {
	if d, err := New(nil, nil); d != nil || !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
}

func TestMakeAddress(t *testing.T) {
	if a := ds18b20test.MakeAddress(0x070e41ac); a != addr {
		t.Fatalf("expected %#x, got %#x", addr, a)
	}
}

func TestBusError(t *testing.T) {
	for _, err := range []error{ErrNotFound, ErrAddressCRC, ErrCRC, ErrBusReset, ErrConversionTimeout} {
		if b, ok := err.(onewire.BusError); !ok || !b.BusError() {
			t.Errorf("%v is not a onewire.BusError", err)
		}
	}
}

func TestReadScratchpad(t *testing.T) {
	d, bus := newDev(t, nil)
	s, err := d.ReadScratchpad()
	if err != nil {
		t.Fatal(err)
	}
	expected := Scratchpad{Temperature: 85, AlarmHigh: 75, AlarmLow: 70, Resolution: Resolution12Bit}
	if diff := cmp.Diff(expected, s); diff != "" {
		t.Fatalf("unexpected scratchpad (-want +got):\n%s", diff)
	}
	ops := []string{"reset", sel, "write 0xbe", "read 9", "reset"}
	if diff := cmp.Diff(ops, bus.Ops); diff != "" {
		t.Fatalf("unexpected bus I/O (-want +got):\n%s", diff)
	}
	// Reading again is idempotent.
	if s2, err := d.ReadScratchpad(); err != nil || s2 != s {
		t.Fatalf("second read: %v %v", s2, err)
	}
}

func TestReadScratchpad_fail_crc(t *testing.T) {
	d, bus := newDev(t, nil)
	bus.CorruptCRC = true
	if _, err := d.ReadScratchpad(); !errors.Is(err, ErrCRC) {
		t.Fatalf("expected ErrCRC, got %v", err)
	}
	// The transaction is aborted before the final reset.
	ops := []string{"reset", sel, "write 0xbe", "read 9"}
	if diff := cmp.Diff(ops, bus.Ops); diff != "" {
		t.Fatalf("unexpected bus I/O (-want +got):\n%s", diff)
	}
}

func TestReadScratchpad_fail_reset(t *testing.T) {
	ops := []string{"reset", sel, "write 0xbe", "read 9", "reset"}
	for n := 1; n <= 2; n++ {
		d, bus := newDev(t, nil)
		bus.FailReset = []int{n}
		if _, err := d.ReadScratchpad(); !errors.Is(err, ErrBusReset) {
			t.Fatalf("reset #%d: expected ErrBusReset, got %v", n, err)
		}
		if diff := cmp.Diff(failedAt(ops, n), bus.Ops); diff != "" {
			t.Fatalf("reset #%d: unexpected bus I/O (-want +got):\n%s", n, diff)
		}
	}
}

func TestWriteScratchpad(t *testing.T) {
	d, bus := newDev(t, nil)
	sleeps := recordSleep(t)
	if err := d.WriteScratchpad(30, -5, Resolution10Bit); err != nil {
		t.Fatal(err)
	}
	ops := []string{
		"reset", sel, "write 0x4e", "write 0x1e", "write 0xfb", "write 0x3f", "reset",
		"reset", sel, "write 0x48", "reset",
	}
	if diff := cmp.Diff(ops, bus.Ops); diff != "" {
		t.Fatalf("unexpected bus I/O (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{10 * time.Millisecond}, *sleeps); diff != "" {
		t.Fatalf("unexpected EEPROM wait (-want +got):\n%s", diff)
	}
	if e := [3]byte{0x1e, 0xfb, 0x3f}; bus.EEPROM != e {
		t.Fatalf("expected EEPROM %#v, got %#v", e, bus.EEPROM)
	}
}

// TestWriteScratchpad_round_trip checks that a write is read back unchanged
// for every resolution.
func TestWriteScratchpad_round_trip(t *testing.T) {
	recordSleep(t)
	for r := Resolution9Bit; r <= Resolution12Bit; r++ {
		d, _ := newDev(t, nil)
		high, low := int8(125), int8(-55)
		if err := d.WriteScratchpad(high, low, r); err != nil {
			t.Fatal(err)
		}
		s, err := d.ReadScratchpad()
		if err != nil {
			t.Fatal(err)
		}
		if s.AlarmHigh != high || s.AlarmLow != low || s.Resolution != r {
			t.Errorf("%s: wrote %d/%d, read back %+v", r, high, low, s)
		}
	}
}

func TestWriteScratchpad_fail_reset(t *testing.T) {
	recordSleep(t)
	ops := []string{
		"reset", sel, "write 0x4e", "write 0x1e", "write 0xfb", "write 0x3f", "reset",
		"reset", sel, "write 0x48", "reset",
	}
	for n := 1; n <= 4; n++ {
		d, bus := newDev(t, nil)
		bus.FailReset = []int{n}
		if err := d.WriteScratchpad(30, -5, Resolution10Bit); !errors.Is(err, ErrBusReset) {
			t.Fatalf("reset #%d: expected ErrBusReset, got %v", n, err)
		}
		if diff := cmp.Diff(failedAt(ops, n), bus.Ops); diff != "" {
			t.Fatalf("reset #%d: unexpected bus I/O (-want +got):\n%s", n, diff)
		}
	}
}

func TestWriteScratchpad_fail_resolution(t *testing.T) {
	d, bus := newDev(t, nil)
	if err := d.WriteScratchpad(0, 0, 4); !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}
	if len(bus.Ops) != 0 {
		t.Fatalf("unexpected bus I/O %v", bus.Ops)
	}
}

func TestInvalidHandle(t *testing.T) {
	for name, d := range map[string]*Dev{"nil": nil, "zero": {}} {
		if _, err := d.ReadScratchpad(); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("%s: ReadScratchpad: %v", name, err)
		}
		if err := d.WriteScratchpad(0, 0, Resolution12Bit); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("%s: WriteScratchpad: %v", name, err)
		}
		if err := d.StartConversion(func(float64, error) {}); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("%s: StartConversion: %v", name, err)
		}
		if _, err := d.SenseContinuous(time.Second); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("%s: SenseContinuous: %v", name, err)
		}
		if err := d.Close(); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("%s: Close: %v", name, err)
		}
	}
}

func TestClose(t *testing.T) {
	d, bus := newDev(t, nil)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if !bus.Closed {
		t.Fatal("bus was not closed")
	}
	if _, err := d.ReadScratchpad(); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle after Close, got %v", err)
	}
	if err := d.Close(); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle on second Close, got %v", err)
	}
}

// TestSense tests a temperature conversion through physic.SenseEnv.
func TestSense(t *testing.T) {
	d, bus := newDev(t, &Opts{Timer: immediate})
	bus.BusyPolls = 2
	e := physic.Env{}
	if err := d.Sense(&e); err != nil {
		t.Fatal(err)
	}
	if expected := 25*physic.Celsius + physic.ZeroCelsius; e.Temperature != expected {
		t.Errorf("expected %s, got %s", expected.String(), e.Temperature.String())
	}
	d.Precision(&e)
	if e.Temperature != physic.Kelvin/16 {
		t.Errorf("unexpected precision %s", e.Temperature)
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
}

func TestSense_negative(t *testing.T) {
	d, bus := newDev(t, &Opts{Timer: immediate})
	bus.Temperature = [2]byte{0x6F, 0xFE}
	e := physic.Env{}
	if err := d.Sense(&e); err != nil {
		t.Fatal(err)
	}
	if expected := physic.ZeroCelsius - 25062500*physic.MicroKelvin; e.Temperature != expected {
		t.Errorf("expected %s, got %s", expected.String(), e.Temperature.String())
	}
}

func TestSense_fail_crc(t *testing.T) {
	d, bus := newDev(t, &Opts{Timer: immediate})
	bus.CorruptCRC = true
	e := physic.Env{}
	if err := d.Sense(&e); !errors.Is(err, ErrCRC) {
		t.Fatalf("expected ErrCRC, got %v", err)
	}
}

func TestSenseContinuous(t *testing.T) {
	d, _ := newDev(t, &Opts{Timer: immediate})
	ch, err := d.SenseContinuous(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.SenseContinuous(time.Millisecond); err == nil {
		t.Fatal("expected error on second SenseContinuous")
	}
	for i := 0; i < 2; i++ {
		e := <-ch
		if expected := 25*physic.Celsius + physic.ZeroCelsius; e.Temperature != expected {
			t.Errorf("expected %s, got %s", expected.String(), e.Temperature.String())
		}
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
}

// TestSenseContinuous_close closes the handle while the loop is converting on
// the timer goroutines.
func TestSenseContinuous_close(t *testing.T) {
	d, bus := newDev(t, &Opts{PollInterval: time.Microsecond})
	bus.Lock()
	bus.BusyPolls = 1
	bus.Unlock()
	ch, err := d.SenseContinuous(time.Microsecond)
	if err != nil {
		t.Fatal(err)
	}
	<-ch
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
	bus.Lock()
	closed := bus.Closed
	bus.Unlock()
	if !closed {
		t.Fatal("bus was not closed once the loop exited")
	}
	if _, err := d.SenseContinuous(time.Microsecond); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle after Close, got %v", err)
	}
}

func TestSenseContinuous_fail_interval(t *testing.T) {
	d, _ := newDev(t, nil)
	if _, err := d.SenseContinuous(0); err == nil {
		t.Fatal("expected error on invalid interval")
	}
}

//

// newDev returns a Dev bound to a simulated device, with the discovery I/O
// cleared from the log.
func newDev(t *testing.T, opts *Opts) (*Dev, *ds18b20test.Bus) {
	t.Helper()
	bus := ds18b20test.NewBus(addr)
	d, err := New(bus, opts)
	if err != nil {
		t.Fatal(err)
	}
	bus.Ops = nil
	return d, bus
}

// failedAt returns the I/O of ops cut at the n-th reset, which fails.
func failedAt(ops []string, n int) []string {
	var out []string
	for _, op := range ops {
		if op == "reset" {
			if n--; n == 0 {
				return append(out, "reset!")
			}
		}
		out = append(out, op)
	}
	return out
}

// recordSleep replaces sleep for the duration of the test.
func recordSleep(t *testing.T) *[]time.Duration {
	var sleeps []time.Duration
	sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	t.Cleanup(func() { sleep = func(time.Duration) {} })
	return &sleeps
}

// immediate runs deferred calls synchronously.
var immediate = TimerFunc(func(_ time.Duration, f func()) { f() })

func init() {
	sleep = func(time.Duration) {}
}
