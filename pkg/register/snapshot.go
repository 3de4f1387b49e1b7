package register

import (
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// The snapshot codec serializes the persistent, mutable subset of a registry
// for an external storage collaborator. CBOR keeps the format compact and
// self-describing; the stack never reads it back except through Restore.

type snapshotValue struct {
	Kind  uint8     `cbor:"k"`
	Bytes []byte    `cbor:"b,omitempty"`
	Bits  []bool    `cbor:"t,omitempty"`
	Ints  []int64   `cbor:"i,omitempty"`
	Reals []float64 `cbor:"r,omitempty"`
}

// Snapshot encodes the values of all persistent mutable registers.
func (g *Registry) Snapshot() ([]byte, error) {
	out := make(map[string]snapshotValue)
	g.tree.Ascend(func(r *Register) bool {
		vf := r.Get()
		if !vf.Flags.Persistent || !vf.Flags.Mutable {
			return true
		}
		out[r.name] = snapshotValue{
			Kind:  uint8(vf.Value.kind),
			Bytes: vf.Value.bytes,
			Bits:  vf.Value.bits,
			Ints:  vf.Value.ints,
			Reals: vf.Value.reals,
		}
		return true
	})
	return cbor.Marshal(out)
}

// Restore applies a snapshot. Registers that no longer exist or reject the
// stored value are skipped with a log line; restoration is best-effort.
func (g *Registry) Restore(data []byte) error {
	var in map[string]snapshotValue
	if err := cbor.Unmarshal(data, &in); err != nil {
		return err
	}
	for name, sv := range in {
		v := Value{
			kind:  Kind(sv.Kind),
			bytes: sv.Bytes,
			bits:  sv.Bits,
			ints:  sv.Ints,
			reals: sv.Reals,
		}
		if err := g.Set(name, v); err != nil {
			zap.L().Warn("snapshot entry not restored", zap.String("name", name), zap.Error(err))
		}
	}
	return nil
}
