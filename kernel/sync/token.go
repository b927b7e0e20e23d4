// Package sync provides the access discipline for the kernel's shared
// singletons. The kernel runs on a single CPU so the only reentrancy hazard
// is an interrupt firing in the middle of an update; code that touches shared
// allocator or scheduler state must therefore hold a Token, which can only be
// obtained by masking interrupts.
package sync

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/cpu"
	"github.com/retroaalto/atOS-sub000/kernel/kfmt"
)

var (
	// ErrNoToken is raised when shared kernel state is accessed without a
	// valid token.
	ErrNoToken = &kernel.Error{Module: "sync", Message: "shared kernel state accessed with interrupts enabled"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Token proves that its holder runs with interrupts masked.
type Token struct {
	restoreIF bool
	released  bool
}

// DisableInterrupts masks interrupts and returns a Token that remembers the
// previous state of the interrupt flag.
func DisableInterrupts() *Token {
	tok := &Token{restoreIF: cpu.InterruptsEnabled()}
	cpu.DisableInterrupts()
	return tok
}

// Restore invalidates the token and re-enables interrupts if they were
// enabled when the token was obtained. Calling Restore more than once has
// no effect.
func (t *Token) Restore() {
	if t == nil || t.released {
		return
	}

	t.released = true
	if t.restoreIF {
		cpu.EnableInterrupts()
	}
}

// Valid returns true if the token has not been restored and interrupts are
// still masked.
func (t *Token) Valid() bool {
	return t != nil && !t.released && !cpu.InterruptsEnabled()
}

// Must halts the kernel if tok is not a valid token.
func Must(tok *Token) {
	if !tok.Valid() {
		panicFn(ErrNoToken)
	}
}
