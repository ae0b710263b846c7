// Package syscall implements the syscall dispatch table of spec.md
// §4.7 (component C7): numeric id -> handler, argument passing, and the
// typed-error-to-negated-errno mapping applied before the result is
// written to the user return register.
package syscall

import (
	"github.com/mazarin-systems/framekernel/pkg/cpucontext"
	"github.com/mazarin-systems/framekernel/pkg/kerrors"
)

// Return is a handler's result: either a value to write into the user
// return register, or a signal that the handler already redirected
// control flow and no value should be written (execve, sigreturn).
type Return struct {
	NoReturn bool
	Value    int64
}

func Ret(v int64) Return { return Return{Value: v} }
func NoReturn() Return   { return Return{NoReturn: true} }

// Handler is one syscall's implementation. Args holds up to 6
// machine-word arguments (unused trailing ones are zero); ctx gives
// access to the saved user context for handlers that need it (e.g.
// sigreturn, clone).
type Handler func(args [6]uint64, ctx *cpucontext.Context) (Return, error)

// Table is a dispatch table mapping syscall numbers to handlers.
// Architecture-specific tables extend a generic base table by
// registering additional numbers (spec §4.7 "Generic numbers are
// standardized across architectures; architecture-specific handlers
// extend the table").
type Table struct {
	handlers map[uint64]Handler
	names    map[uint64]string
}

func NewTable() *Table {
	return &Table{handlers: make(map[uint64]Handler), names: make(map[uint64]string)}
}

// Register installs a handler for a syscall number, overwriting any
// existing entry (used by arch-specific tables layering over a shared
// generic base).
func (t *Table) Register(num uint64, name string, h Handler) {
	t.handlers[num] = h
	t.names[num] = name
}

func (t *Table) Name(num uint64) (string, bool) {
	n, ok := t.names[num]
	return n, ok
}

// Dispatch looks up and invokes the handler for num, converting any
// returned error to the negated-errno convention (spec §4.7 "Error
// mapping"). Unknown numbers return ENOSYS.
func (t *Table) Dispatch(num uint64, args [6]uint64, ctx *cpucontext.Context) Return {
	h, ok := t.handlers[num]
	if !ok {
		return Ret(kerrors.Negated(kerrors.ErrNoSys))
	}
	ret, err := h(args, ctx)
	if err != nil {
		return Ret(kerrors.Negated(err))
	}
	return ret
}
