package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/sirupsen/logrus"
)

const (
	MsixEntrySize = 0x10

	msixControlMasked  = 0x4000
	msixControlEnabled = 0x8000
	msixVectorMasked   = 0x1

	// Writable bits of the capability dword holding Message Control.
	msixControlWritable = (msixControlMasked | msixControlEnabled) << 16
)

// MSISignaler delivers an MSI message to the guest.
type MSISignaler interface {
	SignalMSI(hypervisor.MSIMessage) error
}

// MsixVector is one table entry.
type MsixVector struct {
	AddrLo  uint32
	AddrHi  uint32
	Data    uint32
	Control uint32
}

func (v MsixVector) masked() bool { return v.Control&msixVectorMasked != 0 }

func (v MsixVector) message() hypervisor.MSIMessage {
	return hypervisor.MSIMessage{
		Address: uint64(v.AddrHi)<<32 | uint64(v.AddrLo),
		Data:    v.Data,
	}
}

// MsixState is the migratable part of an MsixConfig.
type MsixState struct {
	Table   []MsixVector
	PBA     []uint64
	Enabled bool
	Masked  bool
}

// MsixConfig holds the MSI-X table and pending bits of one function.
type MsixConfig struct {
	mu sync.Mutex

	table   []MsixVector
	pba     []uint64
	enabled bool
	masked  bool

	sig MSISignaler
	log logrus.FieldLogger
}

// NewMsixConfig returns a disabled MSI-X block with n vectors, all masked.
func NewMsixConfig(n int, sig MSISignaler, log logrus.FieldLogger) *MsixConfig {
	m := &MsixConfig{
		table: make([]MsixVector, n),
		pba:   make([]uint64, (n+63)/64),
		sig:   sig,
		log:   log,
	}

	for i := range m.table {
		m.table[i].Control = msixVectorMasked
	}

	return m
}

// Vectors returns the table size.
func (m *MsixConfig) Vectors() int { return len(m.table) }

// TableSize is the byte size of the table.
func (m *MsixConfig) TableSize() uint64 { return uint64(len(m.table)) * MsixEntrySize }

// PBASize is the byte size of the pending bit array.
func (m *MsixConfig) PBASize() uint64 { return uint64(len(m.pba)) * 8 }

// Capability returns the body of the MSI-X capability for a table and
// PBA placed in BAR bar at the given offsets.
func (m *MsixConfig) Capability(bar int, tableOffset, pbaOffset uint32) []byte {
	body := make([]byte, 10)
	binary.LittleEndian.PutUint16(body[0:], uint16(len(m.table)-1))
	binary.LittleEndian.PutUint32(body[2:], tableOffset|uint32(bar))
	binary.LittleEndian.PutUint32(body[6:], pbaOffset|uint32(bar))

	return body
}

// AddTo installs the capability into c and returns the register that
// holds Message Control in its upper half.
func (m *MsixConfig) AddTo(c *ConfigSpace, bar int, tableOffset, pbaOffset uint32) (int, error) {
	off, err := c.AddCapability(CapIDMSIX, m.Capability(bar, tableOffset, pbaOffset))
	if err != nil {
		return 0, err
	}

	reg := off / 4
	c.SetWritableMask(reg, msixControlWritable)

	return reg, nil
}

// SetControl applies a new Message Control value. Vectors left pending
// while the function was masked are delivered when it becomes unmasked.
func (m *MsixConfig) SetControl(ctrl uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasActive := m.enabled && !m.masked
	m.enabled = ctrl&msixControlEnabled != 0
	m.masked = ctrl&msixControlMasked != 0

	if !wasActive && m.enabled && !m.masked {
		for i := range m.table {
			m.deliverPending(i)
		}
	}
}

// Enabled reports whether the guest turned MSI-X on.
func (m *MsixConfig) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.enabled
}

// Vector returns table entry i.
func (m *MsixConfig) Vector(i int) (MsixVector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.table) {
		return MsixVector{}, false
	}

	return m.table[i], true
}

// Pending reports whether vector i has a pending message.
func (m *MsixConfig) Pending(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pending(i)
}

func (m *MsixConfig) pending(i int) bool {
	return m.pba[i/64]&(1<<(uint(i)%64)) != 0
}

func (m *MsixConfig) setPending(i int, on bool) {
	if on {
		m.pba[i/64] |= 1 << (uint(i) % 64)
	} else {
		m.pba[i/64] &^= 1 << (uint(i) % 64)
	}
}

// Trigger raises vector i. A masked vector only sets its pending bit.
// ErrMsixDisabled tells the caller to fall back to the legacy line.
func (m *MsixConfig) Trigger(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return ErrMsixDisabled
	}

	if i < 0 || i >= len(m.table) {
		return fmt.Errorf("msi-x vector %d out of range", i)
	}

	if m.masked || m.table[i].masked() {
		m.setPending(i, true)

		return nil
	}

	return m.sig.SignalMSI(m.table[i].message())
}

func (m *MsixConfig) deliverPending(i int) {
	if !m.pending(i) || m.table[i].masked() {
		return
	}

	m.setPending(i, false)

	if err := m.sig.SignalMSI(m.table[i].message()); err != nil {
		m.log.WithError(err).WithField("vector", i).Warn("pending msi-x delivery failed")
	}
}

// ReadTable serves a guest read of the table at offset.
func (m *MsixConfig) ReadTable(offset uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := int(offset / MsixEntrySize)
	if i >= len(m.table) || (len(data) != 4 && len(data) != 8) || offset%4 != 0 {
		putBytes(data, 0xffffffff, 0)

		return
	}

	words := m.words(i)
	w := int(offset%MsixEntrySize) / 4

	putBytes(data[:4], words[w], 0)

	if len(data) == 8 && w < 3 {
		putBytes(data[4:], words[w+1], 0)
	}
}

func (m *MsixConfig) words(i int) [4]uint32 {
	v := m.table[i]

	return [4]uint32{v.AddrLo, v.AddrHi, v.Data, v.Control}
}

// WriteTable serves a guest write of the table at offset. Unmasking a
// vector with a pending message delivers it.
func (m *MsixConfig) WriteTable(offset uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := int(offset / MsixEntrySize)
	if i >= len(m.table) || (len(data) != 4 && len(data) != 8) || offset%4 != 0 {
		return
	}

	w := int(offset%MsixEntrySize) / 4
	vals := []uint32{binary.LittleEndian.Uint32(data)}

	if len(data) == 8 {
		vals = append(vals, binary.LittleEndian.Uint32(data[4:]))
	}

	wasMasked := m.table[i].masked()

	for j, v := range vals {
		switch w + j {
		case 0:
			m.table[i].AddrLo = v
		case 1:
			m.table[i].AddrHi = v
		case 2:
			m.table[i].Data = v
		case 3:
			m.table[i].Control = v & msixVectorMasked
		}
	}

	if wasMasked && !m.table[i].masked() && m.enabled && !m.masked {
		m.deliverPending(i)
	}
}

// ReadPBA serves a guest read of the pending bit array.
func (m *MsixConfig) ReadPBA(offset uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf []byte
	for _, q := range m.pba {
		buf = binary.LittleEndian.AppendUint64(buf, q)
	}

	for i := range data {
		if off := offset + uint64(i); off < uint64(len(buf)) {
			data[i] = buf[off]
		} else {
			data[i] = 0
		}
	}
}

// State captures table and pending bits.
func (m *MsixConfig) State() MsixState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MsixState{
		Table:   append([]MsixVector(nil), m.table...),
		PBA:     append([]uint64(nil), m.pba...),
		Enabled: m.enabled,
		Masked:  m.masked,
	}
}

// SetState restores a table of the same size.
func (m *MsixConfig) SetState(s MsixState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(s.Table) != len(m.table) || len(s.PBA) != len(m.pba) {
		return fmt.Errorf("msi-x table has %d vectors, state has %d", len(m.table), len(s.Table))
	}

	copy(m.table, s.Table)
	copy(m.pba, s.PBA)
	m.enabled = s.Enabled
	m.masked = s.Masked

	return nil
}
