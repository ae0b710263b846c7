package cpucontext

// Vector numbers for the x86_64 exceptions named explicitly in spec
// §4.3; the remaining 0-31 range is covered generically by Class.
const (
	VectorDivideError       = 0
	VectorDebug             = 1
	VectorNMI               = 2
	VectorBreakpoint        = 3
	VectorOverflow          = 4
	VectorBoundRange        = 5
	VectorInvalidOpcode     = 6
	VectorDeviceNotAvail    = 7
	VectorDoubleFault       = 8
	VectorInvalidTSS        = 10
	VectorSegmentNotPresent = 11
	VectorStackSegmentFault = 12
	VectorGeneralProtection = 13
	VectorPageFault         = 14
	VectorFPError           = 16
	VectorAlignmentCheck    = 17
	VectorMachineCheck      = 18
	VectorSIMDFPError       = 19
	VectorControlProtection = 21
)

// Class is the exception taxonomy of spec §4.3 "Exception taxonomy".
type Class uint8

const (
	ClassFault Class = iota
	ClassTrap
	ClassFaultOrTrap
	ClassInterrupt
	ClassAbort
	ClassReserved
)

// vectorClass classifies the fixed 0-31 vector range.
func vectorClass(vector uint64) Class {
	switch vector {
	case VectorBreakpoint, VectorOverflow:
		return ClassTrap
	case VectorDebug:
		return ClassFaultOrTrap
	case VectorNMI, VectorDoubleFault, VectorMachineCheck:
		return ClassAbort
	case 15, 20, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31:
		return ClassReserved
	default:
		return ClassFault
	}
}

// Exception is the decoded enum of spec §4.3 "Exception taxonomy": a
// vector plus, for the vectors that push an error code, that code, and
// for page faults, the faulting address read from CR2 (x86_64) / FAR
// (aarch64, as the teacher's ExceptionInfo.FAR carries it).
type Exception struct {
	Vector    uint64
	Class     Class
	HasCode   bool
	Code      uint64
	HasFault  bool
	FaultAddr uint64
}

func hasErrorCode(vector uint64) bool {
	switch vector {
	case VectorInvalidTSS, VectorSegmentNotPresent, VectorStackSegmentFault,
		VectorGeneralProtection, VectorPageFault, VectorAlignmentCheck,
		VectorControlProtection, 8: // double fault also pushes a (always-zero) code
		return true
	default:
		return false
	}
}

// Decode builds an Exception from a raw vector/error-code/fault-address
// triple captured at trap entry.
func Decode(vector, code, faultAddr uint64) Exception {
	e := Exception{Vector: vector, Class: vectorClass(vector)}
	if hasErrorCode(vector) {
		e.HasCode = true
		e.Code = code
	}
	if vector == VectorPageFault {
		e.HasFault = true
		e.FaultAddr = faultAddr
	}
	return e
}
