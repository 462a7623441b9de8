package probe

// Feature bits as named in arch/x86/include/asm/cpufeatures.h.
// https://github.com/torvalds/linux/blob/v4.20/arch/x86/kvm/cpuid.c#L341-L414

// featureSet names the bits of one CPUID output register.
type featureSet struct {
	Title    string
	Function uint32
	Index    uint32
	Bits     map[uint]string
}

//nolint:gochecknoglobals
var f1Edx = featureSet{
	Title:    "F_1_Edx",
	Function: 1,
	Bits: map[uint]string{
		0: "FPU", 1: "VME", 2: "DE", 3: "PSE", 4: "TSC", 5: "MSR", 6: "PAE", 7: "MCE",
		8: "CX8", 9: "APIC", 11: "SEP", 12: "MTRR", 13: "PGE", 14: "MCA", 15: "CMOV",
		16: "PAT", 17: "PSE36", 18: "PN", 19: "CLFLUSH", 21: "DS", 22: "ACPI", 23: "MMX",
		24: "FXSR", 25: "XMM", 26: "XMM2", 27: "SELFSNOOP", 28: "HT", 29: "ACC",
		30: "IA64", 31: "PBE",
	},
}

//nolint:gochecknoglobals
var f7Edx = featureSet{
	Title:    "F_7_0_Edx",
	Function: 7,
	Index:    0,
	Bits: map[uint]string{
		2: "AVX512_4VNNIW", 3: "AVX512_4FMAPS", 4: "FSRM", 8: "AVX512_VP2INTERSECT",
		9: "SRBDS_CTRL", 10: "MD_CLEAR", 11: "RTM_ALWAYS_ABORT", 13: "TSX_FORCE_ABORT",
		14: "SERIALIZE", 15: "HYBRID_CPU", 16: "TSXLDTRK", 18: "PCONFIG", 19: "ARCH_LBR",
		20: "IBT", 22: "AMX_BF16", 23: "AVX512_FP16", 24: "AMX_TILE", 25: "AMX_INT8",
		26: "SPEC_CTRL", 27: "INTEL_STIBP", 28: "FLUSH_L1D", 29: "ARCH_CAPABILITIES",
		30: "CORE_CAPABILITIES", 31: "SPEC_CTRL_SSBD",
	},
}

// split returns the names of the bits set and clear in reg, ordered by bit.
func (f featureSet) split(reg uint32) (enabled, disabled []string) {
	for bit := uint(0); bit < 32; bit++ {
		name, ok := f.Bits[bit]
		if !ok {
			continue
		}

		if reg&(1<<bit) != 0 {
			enabled = append(enabled, name)
		} else {
			disabled = append(disabled, name)
		}
	}

	return enabled, disabled
}
