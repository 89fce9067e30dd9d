// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package arch provides the x86 register snapshot used by the recorder and
// replayer, plus the flag-masked comparator the replayer's signal
// positioner relies on to recognize a re-executed instruction boundary.
package arch

import "golang.org/x/sys/unix"

// Registers is a full x86 user-register snapshot, in the layout ptrace's
// GETREGS/SETREGS hand back. It is the Go analogue of struct
// user_regs_struct.
type Registers = unix.PtraceRegs

// Flag bits in the EFLAGS register that the single-step machinery may set
// or clear independently of the traced program's own execution. A
// well-formed comparison between a live and a recorded register file must
// tolerate differences confined to these bits.
const (
	flagTF = 1 << 8  // trap flag: forced on while single-stepping
	flagVM = 1 << 17 // virtual-8086 mode
)

// flagIgnoreMask is the set of EFLAGS bits compensate_branch_count's
// register-match loop is permitted to ignore.
const flagIgnoreMask = flagTF | flagVM

// CompareResult is the outcome of Compare.
type CompareResult int

const (
	// Equal means every register field, including flags, matched exactly.
	Equal CompareResult = 0
	// EqualModuloFlags means every register matched except that the flags
	// register differed only in the masked bits (flagIgnoreMask).
	EqualModuloFlags CompareResult = 0x80
	// Mismatch means some register other than a masked flag bit differed.
	Mismatch CompareResult = -1
)

// Matches reports whether r represents a register file the replayer should
// accept as "the same instruction boundary" per spec.md §4.3.2: the
// comparator's "match is 0 or 0x80" rule.
func (r CompareResult) Matches() bool {
	return r == Equal || r == EqualModuloFlags
}

// Compare compares two register snapshots field by field. When ignoreFlags
// is true, differences in the live register file's EFLAGS confined to
// flagIgnoreMask are tolerated and reported as EqualModuloFlags; any other
// difference, in any field, is a Mismatch.
//
// When ignoreFlags is false the comparison is strict: flags must match
// exactly too (used by the rdtsc write-back verification and the
// synchronous-SIGSEGV re-fault check, both of which compare against a
// register file captured without single-stepping in effect).
func Compare(now, recorded *Registers, ignoreFlags bool) CompareResult {
	nowFlags, recFlags := now.Eflags, recorded.Eflags
	if ignoreFlags {
		now = maskedCopy(now)
		recorded = maskedCopy(recorded)
	}
	if *now == *recorded {
		if nowFlags == recFlags {
			return Equal
		}
		if ignoreFlags && (nowFlags^recFlags)&^uint64(flagIgnoreMask) == 0 {
			return EqualModuloFlags
		}
		return Mismatch
	}
	return Mismatch
}

// maskedCopy returns a copy of regs with the ignorable EFLAGS bits cleared,
// so a plain struct comparison can be used for every field but flags.
func maskedCopy(regs *Registers) *Registers {
	cp := *regs
	cp.Eflags &^= uint64(flagIgnoreMask)
	return &cp
}

// EAX and EDX are the 32-bit sub-registers rdtsc and its replay emulation
// operate on. The traced process may be a 32-bit or 64-bit program; either
// way rdtsc writes its result into (at most) the low 32 bits of RAX/RDX,
// and the tracer's emulation only ever needs to touch those bits. EIP
// returns the full 64-bit instruction pointer (RIP).
func EAX(r *Registers) uint32 { return uint32(r.Rax) }
func EDX(r *Registers) uint32 { return uint32(r.Rdx) }
func EIP(r *Registers) uint64 { return r.Rip }

// SetEAX, SetEDX and SetEIP write back the low 32 bits of RAX/RDX (zeroing
// the high 32 bits, matching the x86-64 behavior of a 32-bit register
// write) and the full instruction pointer, respectively.
func SetEAX(r *Registers, v uint32) { r.Rax = uint64(v) }
func SetEDX(r *Registers, v uint32) { r.Rdx = uint64(v) }
func SetEIP(r *Registers, v uint64) { r.Rip = v }
