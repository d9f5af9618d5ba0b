package unwind

// ABI is the fixed, per-ISA mapping from the sampled (fp, sp, ip) register
// triple to DWARF register numbers, per spec.md §4.4. Kept as a small data
// table rather than branched code, per spec.md §9's register-ABI design
// note.
type ABI struct {
	FP uint64
	SP uint64
	IP uint64
	LR uint64 // aarch64 only; 0 (unused) on amd64
}

// AMD64 is the x86-64 register mapping: r6=rbp(fp), r7=rsp(sp), r16=rip(ip).
var AMD64 = ABI{FP: 6, SP: 7, IP: 16}

// ARM64 is the aarch64 register mapping: r29=fp, r30=lr, r31=sp, r32=pc(ip).
var ARM64 = ABI{FP: 29, LR: 30, SP: 31, IP: 32}
