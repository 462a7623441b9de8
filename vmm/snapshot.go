package vmm

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/migration"
)

// Snapshot writes the complete state of a paused VM to w.
func (v *VM) Snapshot(w io.Writer) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StatePaused {
		return v.conflict("snapshot")
	}

	snap, err := v.capture(v.m, true)
	if err != nil {
		return migration.Fail("snapshot", err)
	}

	if err := migration.Encode(w, snap); err != nil {
		return err
	}

	v.log.WithField("devices", len(snap.Devices)).Info("snapshot written")

	return nil
}

// capture collects the state of a quiesced machine.
func (v *VM) capture(m *machine, withMemory bool) (*migration.Snapshot, error) {
	snap := &migration.Snapshot{
		Header: migration.Header{
			ID:      v.id.String(),
			Created: time.Now(),
			Vcpus:   len(m.vcpus),
			Layout:  m.mem.Layout(),
		},
	}

	for _, t := range m.migratables() {
		st, err := migration.Save(t.tag, t.m)
		if err != nil {
			return nil, err
		}

		snap.Devices = append(snap.Devices, st)
	}

	for _, c := range m.vcpus {
		s, err := c.SaveState()
		if err != nil {
			return nil, fmt.Errorf("vcpu%d: %w", c.ID(), err)
		}

		snap.Vcpus = append(snap.Vcpus, s)
	}

	vmState, err := m.vm.SaveState()
	if err != nil {
		return nil, fmt.Errorf("vm state: %w", err)
	}

	snap.VM = vmState

	if withMemory {
		snap.Memory.Kind = migration.MemoryFull

		for _, r := range m.mem.Regions() {
			snap.Memory.Regions = append(snap.Memory.Regions, migration.RegionData{
				Base: r.Base,
				Size: r.Size,
				Data: r.Bytes(),
			})
		}
	}

	return snap, nil
}

// Restore rebuilds a VM in StateCreated from a stream written by Snapshot.
// The stream is fully validated before anything is built. On success the
// VM is Paused; on failure it stays Created.
func (v *VM) Restore(ctx context.Context, r io.Reader) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateCreated {
		return v.conflict("restore")
	}

	snap, err := migration.Decode(r)
	if err != nil {
		return err
	}

	if err := v.compatible(snap.Header.Vcpus, snap.Header.Layout); err != nil {
		return migration.Fail("restore", err)
	}

	v.setState(StateBooting)

	m, err := newMachine(ctx, v.hv, v.cfg, v.log, v.metrics)
	if err != nil {
		v.setState(StateCreated)

		return migration.Fail("restore", err)
	}

	if err := v.restoreMachine(m, snap); err != nil {
		m.close()
		v.setState(StateCreated)

		return migration.Fail("restore", err)
	}

	v.run(m, true)
	v.setState(StatePaused)
	v.log.Info("vm restored")

	return nil
}

func (v *VM) restoreMachine(m *machine, snap *migration.Snapshot) error {
	for _, r := range snap.Memory.Regions {
		reg, err := regionAt(m, r.Base, r.Size)
		if err != nil {
			return err
		}

		switch snap.Memory.Kind {
		case migration.MemoryFull:
			copy(reg, r.Data)
		case migration.MemoryDiff:
			d := migration.DirtyRegion{Base: r.Base, Bitmap: r.Bitmap, Pages: r.Data}
			if err := d.Apply(reg); err != nil {
				return err
			}
		}
	}

	return v.apply(m, snap)
}

// apply replays device, vcpu and VM state in that order.
func (v *VM) apply(m *machine, snap *migration.Snapshot) error {
	known := map[string]bool{}

	for _, t := range m.migratables() {
		known[t.tag] = true

		st, ok := snap.Device(t.tag)
		if !ok {
			return fmt.Errorf("%w: no state for %s", migration.ErrCorrupt, t.tag)
		}

		if err := migration.Restore(st, t.m); err != nil {
			return err
		}
	}

	for _, d := range snap.Devices {
		if !known[d.Tag] {
			return configErrorf("devices", "snapshot holds state of unknown device %s", d.Tag)
		}
	}

	if err := m.syncBars(); err != nil {
		return err
	}

	if len(snap.Vcpus) != len(m.vcpus) {
		return configErrorf("vcpus", "snapshot has %d vcpus, VM has %d", len(snap.Vcpus), len(m.vcpus))
	}

	for i, s := range snap.Vcpus {
		if err := m.vcpus[i].RestoreState(s); err != nil {
			return fmt.Errorf("vcpu%d: %w", i, err)
		}
	}

	if snap.VM != nil {
		if err := m.vm.RestoreState(snap.VM); err != nil {
			return fmt.Errorf("vm state: %w", err)
		}
	}

	return nil
}

// compatible checks that state taken from another VM fits this one.
func (v *VM) compatible(vcpus int, layout []memory.RegionInfo) error {
	if vcpus != v.cfg.Vcpus {
		return configErrorf("vcpus", "state has %d vcpus, VM has %d", vcpus, v.cfg.Vcpus)
	}

	if len(layout) != len(v.cfg.Memory) {
		return configErrorf("memory", "state has %d regions, VM has %d", len(layout), len(v.cfg.Memory))
	}

	for i, r := range layout {
		c := v.cfg.Memory[i]
		if r.Base != c.Base || r.Size != c.Size {
			return configErrorf("memory", "region %d is [%#x+%#x), VM has [%#x+%#x)", i, r.Base, r.Size, c.Base, c.Size)
		}
	}

	return nil
}

// regionAt returns the host view of the region starting at base.
func regionAt(m *machine, base, size uint64) ([]byte, error) {
	r, off, err := m.mem.Find(base, size)
	if err != nil {
		return nil, err
	}

	return r.Bytes()[off : off+size], nil
}
