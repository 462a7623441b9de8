package vcpu

import (
	"fmt"

	"github.com/bobuhiro11/govmm/hypervisor"
	"golang.org/x/arch/x86/x86asm"
)

const (
	cr0PG   = 1 << 31
	eferLMA = 1 << 10
)

// Inst decodes the instruction at RIP. Only guests without paging are
// supported, where the linear address equals the physical address.
func Inst(mem interface{ Read(uint64, []byte) error }, r hypervisor.Regs, s hypervisor.Sregs) (*x86asm.Inst, string, error) {
	if s.CR0&cr0PG != 0 {
		return nil, "", fmt.Errorf("paging enabled, rip %#x", r.RIP)
	}

	mode := 16
	switch {
	case s.EFER&eferLMA != 0 && s.CS.L == 1:
		mode = 64
	case s.CS.DB == 1:
		mode = 32
	}

	pc := s.CS.Base + r.RIP

	insn := make([]byte, 16)
	if err := mem.Read(pc, insn); err != nil {
		return nil, "", fmt.Errorf("reading PC at %#x: %w", pc, err)
	}

	d, err := x86asm.Decode(insn, mode)
	if err != nil {
		return nil, "", fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	return &d, x86asm.GNUSyntax(d, r.RIP, nil), nil
}

func (w *Worker) traceExit() {
	r, err := w.vcpu.Regs()
	if err != nil {
		w.log.WithError(err).Debug("trace: regs")

		return
	}

	s, err := w.vcpu.Sregs()
	if err != nil {
		w.log.WithError(err).Debug("trace: sregs")

		return
	}

	if w.mem == nil {
		return
	}

	_, asm, err := Inst(w.mem, r, s)
	if err != nil {
		w.log.WithError(err).Debug("trace: decode")

		return
	}

	w.log.WithField("rip", fmt.Sprintf("%#x", r.RIP)).Info(asm)
}
