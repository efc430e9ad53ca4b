package devio_test

import (
	"errors"
	"testing"

	"github.com/dosemu-go/coredos/devio"
)

func TestRegisterAndInOut(t *testing.T) {
	bus := devio.NewBus()

	if err := bus.Register(&devio.PostCode{}); err != nil {
		t.Fatal(err)
	}

	if err := bus.Out(0x80, 1, 'A'); err != nil {
		t.Fatal(err)
	}

	v, err := bus.In(0x80, 1)
	if err != nil {
		t.Fatal(err)
	}

	if v != 0 {
		t.Fatalf("In(0x80) = %#x, want 0 (POST code port has no readback)", v)
	}
}

func TestOverlapRejected(t *testing.T) {
	bus := devio.NewBus()

	if err := bus.Register(&devio.Noop{Port: 0x20, Psize: 2}); err != nil {
		t.Fatal(err)
	}

	if err := bus.Register(&devio.Noop{Port: 0x21, Psize: 1}); err == nil {
		t.Fatal("want overlap error")
	}
}

func TestUnregisteredPortErrors(t *testing.T) {
	bus := devio.NewBus()

	if _, err := bus.In(0x42, 1); !errors.Is(err, devio.ErrNoDevice) {
		t.Fatalf("err = %v, want ErrNoDevice", err)
	}
}

func TestNoopReadsAllOnes(t *testing.T) {
	bus := devio.NewBus()

	if err := bus.Register(&devio.Noop{Port: 0x60, Psize: 1}); err != nil {
		t.Fatal(err)
	}

	v, err := bus.In(0x60, 1)
	if err != nil {
		t.Fatal(err)
	}

	if v != 0xFF {
		t.Fatalf("v = %#x, want 0xFF", v)
	}
}

func TestPostCodeRejectsWrongWidth(t *testing.T) {
	p := &devio.PostCode{}

	if err := p.Write(0x80, []byte{1, 2}); !errors.Is(err, devio.ErrDataLenInvalid) {
		t.Fatalf("err = %v, want ErrDataLenInvalid", err)
	}
}
