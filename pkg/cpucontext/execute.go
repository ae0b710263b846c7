package cpucontext

// Outcome classifies why Execute returned (spec §4.3 "Enter-user-mode
// loop").
type Outcome uint8

const (
	OutcomeUserSyscall Outcome = iota
	OutcomeUserException
	OutcomeKernelEvent
)

// LowLevelEntry is the hardware boundary Execute drives: return to user
// mode and report what trapped back into the kernel. A real port
// implements this with the teacher's return-to-user assembly sequence
// (mazboot/golang/main/exceptions.go's vector table entry trampolines);
// tests substitute a scripted implementation.
type LowLevelEntry interface {
	// ReturnToUser restores GPRs from ctx and resumes user execution
	// until the next trap, then reports the trap vector, error code, and
	// (for page faults) fault address.
	ReturnToUser(ctx *Context) (vector, code, faultAddr uint64)
	// EnableInterrupts re-enables local interrupts in step 3's syscall,
	// exception and hardware-interrupt branches; DispatchIRQ is the
	// hardware-interrupt branch of step 3. Step 1 sets ctx.RFlags directly.
	EnableInterrupts()
	DispatchIRQ(vector uint64)
}

// Execute drives one or more round trips through user mode, implementing
// the classification loop of spec §4.3:
//
//  1. ensure interrupts enabled + CPU-ID flag set in the user flags word
//  2. invoke the low-level return-to-user sequence
//  3. classify the trap
//  4. poll hasKernelEvent between iterations
func Execute(ctx *Context, entry LowLevelEntry, hasKernelEvent func() bool) Outcome {
	for {
		ctx.RFlags |= flagsInterruptEnable | flagsCPUIDFlag

		vector, code, faultAddr := entry.ReturnToUser(ctx)
		ctx.Trap, ctx.Err = vector, code

		switch classifyVector(vector) {
		case trapKindSyscall:
			entry.EnableInterrupts()
			return OutcomeUserSyscall
		case trapKindFaultOrTrap:
			entry.EnableInterrupts()
			exc := Decode(vector, code, faultAddr)
			ctx.exception = &exc
			return OutcomeUserException
		case trapKindAbort:
			panic(panicMessage(ctx, vector, code))
		case trapKindIRQ:
			entry.DispatchIRQ(vector)
			entry.EnableInterrupts()
		}

		if hasKernelEvent != nil && hasKernelEvent() {
			return OutcomeKernelEvent
		}
	}
}

const (
	flagsInterruptEnable = 1 << 9  // IF
	flagsCPUIDFlag       = 1 << 21 // ID
)

// SyscallVector is the platform's syscall trap vector (e.g. a `syscall`
// instruction synthesizes vector 0x80 in legacy mode, or enters via the
// SYSCALL/SYSENTER fast path represented uniformly here as one vector).
const SyscallVector = 0x80

type trapKind uint8

const (
	trapKindSyscall trapKind = iota
	trapKindFaultOrTrap
	trapKindAbort
	trapKindIRQ
)

func classifyVector(vector uint64) trapKind {
	if vector == SyscallVector {
		return trapKindSyscall
	}
	if vector >= 32 {
		return trapKindIRQ
	}
	switch vectorClass(vector) {
	case ClassFault, ClassTrap, ClassFaultOrTrap:
		return trapKindFaultOrTrap
	default:
		return trapKindAbort // Abort or Reserved
	}
}

func panicMessage(ctx *Context, vector, code uint64) string {
	return "cpucontext: unrecoverable CPU exception (vector=" + itoa(vector) + " code=" + itoa(code) + " rip=" + itoa(ctx.RIP) + ")"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}
