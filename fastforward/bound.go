package fastforward

import (
	"github.com/replaydbg/ffcore/task"
	"github.com/replaydbg/ffcore/xstring"
)

// boundAgainstTargetStates tightens iterations so the tracee never steps
// past a recorded target state, per SPEC_FULL.md §4.3.
func boundAgainstTargetStates(ip uint64, curCX uint64, decoded xstring.Decoded, states []task.Registers, iterations uint64) uint64 {
	for _, s := range states {
		switch s.IP() {
		case ip:
			destCX := s.CX()
			if destCX == 0 || destCX >= curCX {
				continue
			}
			iterations = min64(iterations, curCX-destCX-1)
		case ip + uint64(decoded.Length):
			destCX := s.CX()
			if destCX >= curCX {
				continue
			}
			iterations = min64(iterations, curCX-destCX-1)
		}
	}
	return iterations
}

// memIntersect reports whether [a1, a1+s1) and [a2, a2+s2) overlap.
func memIntersect(a1 uint64, s1 int, a2 uint64, s2 int) bool {
	lo := a1
	if a2 > lo {
		lo = a2
	}
	hi := a1 + uint64(s1)
	if a2+uint64(s2) < hi {
		hi = a2 + uint64(s2)
	}
	return lo < hi
}

// boundForWatchpoint computes how many iterations of a size-`size` string
// access at register value reg, stepping by `direction` each iteration, can
// safely occur before hitting watch. It never widens iterations, only
// tightens it (callers start from an existing bound and fold each
// watchpoint/register pair in turn).
func boundForWatchpoint(reg uint64, size int, directionForward bool, watch task.WatchConfig, iterations uint64) uint64 {
	if memIntersect(reg, size, watch.Addr, watch.NumBytes) {
		return 0
	}

	if directionForward {
		if watch.Addr < reg {
			// unreachable without address-space wraparound, which this
			// core intentionally never models (SPEC_FULL.md §9).
			return iterations
		}
		steps := (watch.Addr - reg) / uint64(size)
		return min64(iterations, steps)
	}

	if watch.Addr > reg {
		return iterations
	}
	steps := (reg-(watch.Addr+uint64(watch.NumBytes)))/uint64(size) + 1
	return min64(iterations, steps)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
