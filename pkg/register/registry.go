package register

import (
	"github.com/google/btree"
	"go.uber.org/zap"

	"cyphal/pkg/crc"
)

// Flags describe register behavior as reported to remote accessors.
type Flags struct {
	// Mutable is true if the register value can be changed.
	Mutable bool
	// Persistent is true if the value is retained across restarts. The
	// actual storage is an external collaborator consuming Snapshot.
	Persistent bool
}

// ValueAndFlags pairs a register value with its behavior flags.
type ValueAndFlags struct {
	Value Value
	Flags Flags
}

// Options configure register creation.
type Options struct {
	Persistent bool
}

// Getter provides the register's current value.
type Getter func() Value

// Setter updates the register value; returning an error (typically a
// SetError) rejects the update.
type Setter func(Value) error

// Register is a named parameter. The body (getter/setter state) is owned by
// the application; the registry owns only the ordered index node.
type Register struct {
	name     string
	key      uint64
	getter   Getter
	setter   Setter
	options  Options
	registry *Registry // non-nil while linked
}

// NewRegister builds an unlinked register. setter may be nil for read-only
// registers.
func NewRegister(name string, getter Getter, setter Setter, options Options) *Register {
	return &Register{
		name:    name,
		key:     crc.Checksum64WE([]byte(name)),
		getter:  getter,
		setter:  setter,
		options: options,
	}
}

func (r *Register) Name() string { return r.name }

// Key is the CRC-64/WE hash of the name; unique per registry.
func (r *Register) Key() uint64 { return r.key }

// IsLinked reports whether the register is currently in a registry.
func (r *Register) IsLinked() bool { return r.registry != nil }

// Get returns the current value and flags.
func (r *Register) Get() ValueAndFlags {
	return ValueAndFlags{
		Value: r.getter(),
		Flags: Flags{Mutable: r.setter != nil, Persistent: r.options.Persistent},
	}
}

// Set coerces v to the register's current shape and applies the setter.
func (r *Register) Set(v Value) error {
	if r.setter == nil {
		return SetErrorMutability
	}
	coerced, ok := Coerce(r.getter(), v)
	if !ok {
		return SetErrorCoercion
	}
	return r.setter(coerced)
}

// Unlink removes the register from its registry, if any.
func (r *Register) Unlink() {
	if r.registry != nil {
		r.registry.remove(r)
		r.registry = nil
	}
}

// Registry is the keyed parameter store: an ordered index over the 64-bit
// name hash. Not safe for concurrent use; the executor thread owns it.
type Registry struct {
	tree *btree.BTreeG[*Register]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tree: btree.NewG(8, func(a, b *Register) bool { return a.key < b.key })}
}

// Size returns the number of linked registers.
func (g *Registry) Size() int { return g.tree.Len() }

// Get returns the value and flags of the named register.
func (g *Registry) Get(name string) (ValueAndFlags, bool) {
	if r := g.find(name); r != nil {
		return r.Get(), true
	}
	return ValueAndFlags{}, false
}

// Set updates the named register. Returns SetErrorExistence when there is no
// such register; other SetError values propagate from the register itself.
func (g *Registry) Set(name string, v Value) error {
	r := g.find(name)
	if r == nil {
		return SetErrorExistence
	}
	return r.Set(v)
}

// Index returns the name of the i-th register in key order, or "" when i is
// out of [0, Size).
func (g *Registry) Index(i int) string {
	if i < 0 || i >= g.tree.Len() {
		return ""
	}
	name := ""
	n := 0
	g.tree.Ascend(func(r *Register) bool {
		if n == i {
			name = r.name
			return false
		}
		n++
		return true
	})
	return name
}

// Append links the register into the index. Returns false when the key is
// already occupied; the register is left unlinked in that case.
func (g *Registry) Append(r *Register) bool {
	if _, exists := g.tree.Get(r); exists {
		return false
	}
	g.tree.ReplaceOrInsert(r)
	r.registry = g
	return true
}

func (g *Registry) remove(r *Register) {
	g.tree.Delete(r)
}

func (g *Registry) find(name string) *Register {
	probe := &Register{key: crc.Checksum64WE([]byte(name))}
	if r, ok := g.tree.Get(probe); ok {
		return r
	}
	return nil
}

// Route creates a read-only register and links it. A key collision leaves
// the register unlinked; check IsLinked.
func (g *Registry) Route(name string, getter Getter, options ...Options) *Register {
	var o Options
	if len(options) > 0 {
		o = options[0]
	}
	r := NewRegister(name, getter, nil, o)
	if !g.Append(r) {
		zap.L().Warn("register key collision", zap.String("name", name))
	}
	return r
}

// RouteMutable creates a read-write register and links it.
func (g *Registry) RouteMutable(name string, getter Getter, setter Setter, options ...Options) *Register {
	var o Options
	if len(options) > 0 {
		o = options[0]
	}
	r := NewRegister(name, getter, setter, o)
	if !g.Append(r) {
		zap.L().Warn("register key collision", zap.String("name", name))
	}
	return r
}

// Expose links a mutable register mirroring an arbitrary variable, which
// must outlive the register.
func Expose[T ParamType](g *Registry, name string, target *T, options ...Options) *Register {
	var o Options
	if len(options) > 0 {
		o = options[0]
	}
	r := NewRegister(name,
		func() Value { return toValue(*target) },
		func(v Value) error {
			got, ok := fromValue[T](v)
			if !ok {
				return SetErrorCoercion
			}
			*target = got
			return nil
		},
		o)
	if !g.Append(r) {
		zap.L().Warn("register key collision", zap.String("name", name))
	}
	return r
}

// ParamType constrains Parameterize to the Go types with a Value mapping.
type ParamType interface {
	~int64 | ~float64 | ~string | ~bool | ~[]byte
}

// Parameter is a register owning its own backing value.
type Parameter[T ParamType] struct {
	reg *Register
	v   T
}

// Parameterize creates a mutable parameter register with a default value and
// links it to the registry.
func Parameterize[T ParamType](g *Registry, name string, def T, options ...Options) *Parameter[T] {
	p := &Parameter[T]{v: def}
	var o Options
	if len(options) > 0 {
		o = options[0]
	}
	p.reg = NewRegister(name,
		func() Value { return toValue(p.v) },
		func(v Value) error { return p.assign(v) },
		o)
	if !g.Append(p.reg) {
		zap.L().Warn("register key collision", zap.String("name", name))
	}
	return p
}

// Value returns the current parameter value.
func (p *Parameter[T]) Value() T { return p.v }

// SetValue updates the backing value directly (local side).
func (p *Parameter[T]) SetValue(v T) { p.v = v }

// Register exposes the underlying register (for Unlink etc.).
func (p *Parameter[T]) Register() *Register { return p.reg }

func (p *Parameter[T]) assign(v Value) error {
	got, ok := fromValue[T](v)
	if !ok {
		return SetErrorCoercion
	}
	p.v = got
	return nil
}

func toValue[T ParamType](v T) Value {
	switch x := any(v).(type) {
	case int64:
		return Integer(x)
	case float64:
		return Real(x)
	case string:
		return String(x)
	case bool:
		return Bit(x)
	case []byte:
		return Unstructured(x)
	}
	return Empty()
}

func fromValue[T ParamType](v Value) (T, bool) {
	var zero T
	switch any(zero).(type) {
	case int64:
		if n, ok := v.AsInteger(); ok {
			return any(n).(T), true
		}
	case float64:
		if f, ok := v.AsReal(); ok {
			return any(f).(T), true
		}
	case string:
		if v.Kind() == KindString {
			return any(v.AsString()).(T), true
		}
	case bool:
		if v.Kind() == KindBit && len(v.AsBits()) > 0 {
			return any(v.AsBits()[0]).(T), true
		}
	case []byte:
		if v.Kind() == KindUnstructured {
			return any(v.AsBytes()).(T), true
		}
	}
	return zero, false
}
