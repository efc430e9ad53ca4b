// Package hlt implements the HLT trampoline registry (spec.md §4.4):
// small reserved blocks of guest memory whose sole instruction is HLT,
// used as a callback mechanism a backend can trap on no matter which
// execution mode it's running.
//
// Grounded in the teacher's device.IODevice registration pattern
// (device/device.go: a table of handlers keyed by an address range) and
// in memlayout's fixed HLT block placement.
package hlt

import (
	"errors"
	"fmt"

	"github.com/dosemu-go/coredos/dosaddr"
)

// ErrBlockFull reports that a Block has no more room for another handler.
var ErrBlockFull = errors.New("hlt: trampoline block is full")

// ErrUnknownOffset reports a dispatch lookup for an offset nothing
// registered.
var ErrUnknownOffset = errors.New("hlt: no handler registered at offset")

// Handler is one registered HLT callback.
type Handler struct {
	Name   string
	Len    int // number of contiguous HLT bytes reserved, default 1
	Invoke func()
}

// Block is one HLT trampoline region — either the vm86 block or the
// protected-mode block behind a special descriptor (spec.md §4.4
// distinguishes hlt_register_handler_vm86 from the _pm variant; both use
// this same Block type against two different base addresses).
type Block struct {
	Base     dosaddr.Addr
	Size     int
	handlers map[int]*Handler
	next     int
}

// NewBlock creates a trampoline block spanning [base, base+size).
func NewBlock(base dosaddr.Addr, size int) *Block {
	return &Block{Base: base, Size: size, handlers: make(map[int]*Handler)}
}

// Register reserves h.Len (1 if unset) contiguous bytes and returns the
// offset within the block where the caller should write `len` HLT
// opcodes, e.g. for the guest to later execute.
func (b *Block) Register(h Handler) (int, error) {
	if h.Len == 0 {
		h.Len = 1
	}

	if b.next+h.Len > b.Size {
		return 0, fmt.Errorf("%w: %q needs %d bytes, %d left", ErrBlockFull, h.Name, h.Len, b.Size-b.next)
	}

	offset := b.next
	hh := h
	b.handlers[offset] = &hh
	b.next += h.Len

	return offset, nil
}

// Dispatch resolves a HLT-at-offset-o exit (the internal exit reason
// every backend raises when the guest executes HLT inside a registered
// block) to its handler and invokes it.
func (b *Block) Dispatch(offset int) error {
	h, ok := b.handlers[offset]
	if !ok {
		return fmt.Errorf("%w: offset %#x in block at %#x", ErrUnknownOffset, offset, b.Base)
	}

	h.Invoke()

	return nil
}

// Addr returns the guest linear address of the given offset within b, the
// value a caller writes into a far pointer (e.g. an IVT entry) to make
// guest code land on this trampoline.
func (b *Block) Addr(offset int) dosaddr.Addr {
	return b.Base + dosaddr.Addr(offset)
}

// Contains reports whether addr falls within this block's span, the test
// the fault router uses to decide whether a #GP or HLT exit should be
// routed here at all.
func (b *Block) Contains(addr dosaddr.Addr) bool {
	return addr >= b.Base && int(addr-b.Base) < b.Size
}
