package arch

// rdtscOpcode is the two-byte x86 encoding of the rdtsc instruction
// (0F 31). Full instruction disassembly is out of scope for this engine
// (spec.md §1); this is the one instruction the replayer's SIG_SEGV_RDTSC
// path must recognize, so it is hardcoded rather than pulled through a
// disassembler.
var rdtscOpcode = [2]byte{0x0f, 0x31}

// RdtscLen is the length in bytes of the rdtsc instruction.
const RdtscLen = len(rdtscOpcode)

// IsRdtsc reports whether the two bytes at a faulting EIP are the rdtsc
// opcode. mem must contain at least RdtscLen bytes read starting at EIP.
func IsRdtsc(mem []byte) bool {
	return len(mem) >= RdtscLen && mem[0] == rdtscOpcode[0] && mem[1] == rdtscOpcode[1]
}
