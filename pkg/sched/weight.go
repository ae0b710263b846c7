// Package sched implements the EEVDF fair-class scheduler run queue
// (spec §4.4, component C4): one run queue per CPU, ordered by virtual
// deadline, with incremental Φ/ρ_min bookkeeping and the eligibility
// rule from spec §4.4.
//
// There is no teacher precedent for a full EEVDF run queue — mazboot's
// scheduler_bootstrap.go only wires g0/m0/P into the *Go runtime's*
// scheduler, it doesn't implement one. This package is grounded
// primarily on original_source/kernel/src/sched/sched_class/fair/mod.rs
// per SPEC_FULL.md §C, expressed as idiomatic Go rather than ported
// line-by-line.
package sched

// WeightZero is the nice-0 weight (spec §4.4 "WEIGHT_0 = 1024").
const WeightZero int64 = 1024

// niceToWeight mirrors the Linux/CFS-derived table spec §4.4 describes:
// nice 0 => 1024, each +1 nice multiplies weight by 4/5.
var niceToWeight [40]int64

func init() {
	niceToWeight[20] = WeightZero
	w := float64(WeightZero)
	for n := 21; n < 40; n++ {
		w = w * 4.0 / 5.0
		niceToWeight[n] = int64(w)
		if niceToWeight[n] < 1 {
			niceToWeight[n] = 1
		}
	}
	w = float64(WeightZero)
	for n := 19; n >= 0; n-- {
		w = w * 5.0 / 4.0
		niceToWeight[n] = int64(w)
	}
}

// NiceToWeight converts a nice value in [-20, 19] to its scheduling
// weight.
func NiceToWeight(nice int) int64 {
	if nice < -20 {
		nice = -20
	}
	if nice > 19 {
		nice = 19
	}
	return niceToWeight[nice+20]
}
