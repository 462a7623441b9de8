// Package migration implements the snapshot stream format, the live
// migration transport and the dirty page codec.
package migration

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// State is the serialized state of one device.
type State struct {
	Tag     string
	Version uint32
	Data    []byte
}

// Migratable is implemented by devices whose state survives snapshot,
// restore and live migration.
type Migratable interface {
	StateVersion() uint32
	SaveState() ([]byte, error)
	RestoreState(version uint32, data []byte) error
}

// Save captures m under tag.
func Save(tag string, m Migratable) (State, error) {
	data, err := m.SaveState()
	if err != nil {
		return State{}, fmt.Errorf("save %s: %w", tag, err)
	}

	return State{Tag: tag, Version: m.StateVersion(), Data: data}, nil
}

// Restore applies s to m after checking its version.
func Restore(s State, m Migratable) error {
	if err := CheckVersion(s.Tag, m.StateVersion(), s.Version); err != nil {
		return err
	}

	if err := m.RestoreState(s.Version, s.Data); err != nil {
		return fmt.Errorf("restore %s: %w", s.Tag, err)
	}

	return nil
}

// CheckVersion fails with ErrVersionMismatch unless got equals want.
func CheckVersion(tag string, want, got uint32) error {
	if want != got {
		return fmt.Errorf("%w: %s: have %d, want %d", ErrVersionMismatch, tag, got, want)
	}

	return nil
}

// EncodeGob is the encoding used by devices for their state.
func EncodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeGob decodes data produced by EncodeGob into v.
func DecodeGob(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return nil
}
