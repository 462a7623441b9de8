// Package serial emulates the 8250 UART the guest kernel uses as its
// console.
package serial

import (
	"io"
	"sync"

	"github.com/bobuhiro11/govmm/device"
	"github.com/bobuhiro11/govmm/migration"
	"github.com/sirupsen/logrus"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4
	Size     = 8

	stateVersion = 1

	ierRDA  = 0x01
	ierTHRE = 0x02

	lsrDR   = 0x01
	lsrTHRE = 0x20
	lsrTEMT = 0x40

	iirNoInt = 0x01
	iirTHRI  = 0x02
	iirRDI   = 0x04

	lcrDLAB = 0x80
	mcrLoop = 0x10

	maxInput = 10000
)

// IRQFunc drives the interrupt line of the UART.
type IRQFunc func(level bool) error

// Serial is a 16550-compatible UART without FIFOs.
type Serial struct {
	mu sync.Mutex

	IER byte
	LCR byte
	MCR byte
	SCR byte
	DLL byte
	DLM byte

	thrEmptyPending bool
	input           []byte

	out io.Writer
	irq IRQFunc
	log logrus.FieldLogger
}

// New returns a UART writing guest output to out.
func New(out io.Writer, irq IRQFunc, log logrus.FieldLogger) *Serial {
	return &Serial{
		DLL: 0xc, // 9600 baud
		out: out,
		irq: irq,
		log: log.WithField("device", "serial"),
	}
}

var _ device.Device = (*Serial)(nil)

func (s *Serial) Name() string { return "serial" }

func (s *Serial) dlab() bool {
	return s.LCR&lcrDLAB != 0
}

// Input queues bytes for the guest to read and raises the receive
// interrupt.
func (s *Serial) Input(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := maxInput - len(s.input)
	if room < len(b) {
		b = b[:room]
	}

	s.input = append(s.input, b...)

	if len(s.input) > 0 && s.IER&ierRDA != 0 {
		s.pulse()
	}
}

// pulse raises an edge on the IRQ line; the PIC latches it.
func (s *Serial) pulse() {
	if s.irq == nil {
		return
	}

	if err := s.irq(false); err != nil {
		s.log.WithError(err).Warn("lower irq")
	}

	if err := s.irq(true); err != nil {
		s.log.WithError(err).Warn("raise irq")
	}
}

func (s *Serial) iir() byte {
	switch {
	case s.IER&ierRDA != 0 && len(s.input) > 0:
		return iirRDI
	case s.IER&ierTHRE != 0 && s.thrEmptyPending:
		return iirTHRI
	default:
		return iirNoInt
	}
}

func (s *Serial) Read(base, offset uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case offset == 0 && !s.dlab():
		// RBR
		data[0] = 0
		if len(s.input) > 0 {
			data[0] = s.input[0]
			s.input = s.input[1:]
		}
	case offset == 0 && s.dlab():
		data[0] = s.DLL
	case offset == 1 && !s.dlab():
		data[0] = s.IER
	case offset == 1 && s.dlab():
		data[0] = s.DLM
	case offset == 2:
		data[0] = s.iir()
		if data[0] == iirTHRI {
			s.thrEmptyPending = false
		}
	case offset == 3:
		data[0] = s.LCR
	case offset == 4:
		data[0] = s.MCR
	case offset == 5:
		data[0] = lsrTHRE | lsrTEMT
		if len(s.input) > 0 {
			data[0] |= lsrDR
		}
	case offset == 6:
		// MSR: DCD, DSR and CTS asserted.
		data[0] = 0xb0
	case offset == 7:
		data[0] = s.SCR
	}

	return nil
}

func (s *Serial) Write(base, offset uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := data[0]

	switch {
	case offset == 0 && !s.dlab():
		// THR
		if s.MCR&mcrLoop != 0 {
			s.input = append(s.input, v)
		} else if s.out != nil {
			if _, err := s.out.Write([]byte{v}); err != nil {
				return err
			}
		}

		s.thrEmptyPending = true
		if s.IER&ierTHRE != 0 {
			s.pulse()
		}
	case offset == 0 && s.dlab():
		s.DLL = v
	case offset == 1 && !s.dlab():
		s.IER = v & 0x0f
		if s.IER&ierTHRE != 0 {
			s.thrEmptyPending = true
		}

		if s.IER != 0 {
			s.pulse()
		}
	case offset == 1 && s.dlab():
		s.DLM = v
	case offset == 2:
		// FCR, no FIFOs.
	case offset == 3:
		s.LCR = v
	case offset == 4:
		s.MCR = v
	case offset == 7:
		s.SCR = v
	default:
		s.log.WithField("offset", offset).Debug("factory test or not used")
	}

	return nil
}

type serialState struct {
	IER, LCR, MCR, SCR, DLL, DLM byte
	THREmptyPending              bool
	Input                        []byte
}

func (s *Serial) StateVersion() uint32 { return stateVersion }

func (s *Serial) SaveState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return migration.EncodeGob(serialState{
		IER:             s.IER,
		LCR:             s.LCR,
		MCR:             s.MCR,
		SCR:             s.SCR,
		DLL:             s.DLL,
		DLM:             s.DLM,
		THREmptyPending: s.thrEmptyPending,
		Input:           s.input,
	})
}

func (s *Serial) RestoreState(version uint32, data []byte) error {
	var st serialState
	if err := migration.DecodeGob(data, &st); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.IER, s.LCR, s.MCR, s.SCR, s.DLL, s.DLM = st.IER, st.LCR, st.MCR, st.SCR, st.DLL, st.DLM
	s.thrEmptyPending = st.THREmptyPending
	s.input = append([]byte(nil), st.Input...)

	return nil
}
