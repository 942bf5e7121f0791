package bytecode

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/marlowvm/marlow/meta"
	"github.com/marlowvm/marlow/stamp"
)

// UnitVersion is bumped whenever the serialized unit layout changes.
const UnitVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Unit is the on-disk compilation unit: a set of methods plus the constant
// pool their instructions reference.
type Unit struct {
	Methods   []*Method
	Constants map[int]meta.Constant
	Refs      map[int]meta.MethodRef
}

// Pool returns a resolver over the unit's pool entries.
func (u *Unit) Pool() *meta.Pool {
	p := meta.NewPool()
	for i, c := range u.Constants {
		p.SetConstant(i, c)
	}
	for i, r := range u.Refs {
		p.SetMethod(i, r)
	}
	return p
}

type wireUnit struct {
	Version   int                   `cbor:"v"`
	Methods   []wireMethod          `cbor:"methods"`
	Constants map[int]wireConstant  `cbor:"constants,omitempty"`
	Refs      map[int]wireMethodRef `cbor:"refs,omitempty"`
}

type wireMethod struct {
	Name         string        `cbor:"name"`
	Code         []byte        `cbor:"code"`
	Args         []uint8       `cbor:"args,omitempty"`
	Return       uint8         `cbor:"ret"`
	MaxLocals    int           `cbor:"locals"`
	Synchronized bool          `cbor:"sync,omitempty"`
	Handlers     []wireHandler `cbor:"handlers,omitempty"`
}

type wireHandler struct {
	Start     int `cbor:"start"`
	End       int `cbor:"end"`
	Target    int `cbor:"target"`
	CatchType int `cbor:"type,omitempty"`
}

type wireConstant struct {
	Kind  uint8   `cbor:"kind"`
	Int   int64   `cbor:"int,omitempty"`
	Float float64 `cbor:"float,omitempty"`
	Str   string  `cbor:"str,omitempty"`
}

type wireMethodRef struct {
	Name   string  `cbor:"name"`
	Params []uint8 `cbor:"params,omitempty"`
	Return uint8   `cbor:"ret"`
	Final  bool    `cbor:"final,omitempty"`
	Exact  bool    `cbor:"exact,omitempty"`
}

// MarshalUnit serializes a unit to canonical CBOR bytes.
func MarshalUnit(u *Unit) ([]byte, error) {
	wu := wireUnit{Version: UnitVersion}
	for _, m := range u.Methods {
		wm := wireMethod{
			Name:         m.Name,
			Code:         m.Code,
			Args:         kindsToBytes(m.Args),
			Return:       uint8(m.Return),
			MaxLocals:    m.MaxLocals,
			Synchronized: m.Synchronized,
		}
		for _, h := range m.Handlers {
			wm.Handlers = append(wm.Handlers, wireHandler(h))
		}
		wu.Methods = append(wu.Methods, wm)
	}
	if len(u.Constants) > 0 {
		wu.Constants = make(map[int]wireConstant, len(u.Constants))
		for i, c := range u.Constants {
			wu.Constants[i] = wireConstant{Kind: uint8(c.Kind), Int: c.Int, Float: c.Float, Str: c.Str}
		}
	}
	if len(u.Refs) > 0 {
		wu.Refs = make(map[int]wireMethodRef, len(u.Refs))
		for i, r := range u.Refs {
			wu.Refs[i] = wireMethodRef{
				Name: r.Name, Params: kindsToBytes(r.Params),
				Return: uint8(r.Return), Final: r.Final, Exact: r.ExactKnownType,
			}
		}
	}
	return cborEncMode.Marshal(&wu)
}

// UnmarshalUnit deserializes a unit from CBOR bytes.
func UnmarshalUnit(data []byte) (*Unit, error) {
	var wu wireUnit
	if err := cbor.Unmarshal(data, &wu); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal unit: %w", err)
	}
	if wu.Version != UnitVersion {
		return nil, fmt.Errorf("bytecode: unit version %d, want %d", wu.Version, UnitVersion)
	}
	u := &Unit{}
	for _, wm := range wu.Methods {
		m := &Method{
			Name:         wm.Name,
			Code:         wm.Code,
			Args:         bytesToKinds(wm.Args),
			Return:       stamp.Kind(wm.Return),
			MaxLocals:    wm.MaxLocals,
			Synchronized: wm.Synchronized,
		}
		for _, wh := range wm.Handlers {
			m.Handlers = append(m.Handlers, Handler(wh))
		}
		u.Methods = append(u.Methods, m)
	}
	if len(wu.Constants) > 0 {
		u.Constants = make(map[int]meta.Constant, len(wu.Constants))
		for i, wc := range wu.Constants {
			u.Constants[i] = meta.Constant{Kind: stamp.Kind(wc.Kind), Int: wc.Int, Float: wc.Float, Str: wc.Str}
		}
	}
	if len(wu.Refs) > 0 {
		u.Refs = make(map[int]meta.MethodRef, len(wu.Refs))
		for i, wr := range wu.Refs {
			u.Refs[i] = meta.MethodRef{
				Name: wr.Name, Params: bytesToKinds(wr.Params),
				Return: stamp.Kind(wr.Return), Final: wr.Final, ExactKnownType: wr.Exact,
			}
		}
	}
	return u, nil
}

// ReadUnitFile loads a unit from disk.
func ReadUnitFile(path string) (*Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bytecode: read unit: %w", err)
	}
	return UnmarshalUnit(data)
}

// WriteUnitFile saves a unit to disk.
func WriteUnitFile(path string, u *Unit) error {
	data, err := MarshalUnit(u)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func kindsToBytes(ks []stamp.Kind) []uint8 {
	if len(ks) == 0 {
		return nil
	}
	out := make([]uint8, len(ks))
	for i, k := range ks {
		out[i] = uint8(k)
	}
	return out
}

func bytesToKinds(bs []uint8) []stamp.Kind {
	if len(bs) == 0 {
		return nil
	}
	out := make([]stamp.Kind, len(bs))
	for i, b := range bs {
		out[i] = stamp.Kind(b)
	}
	return out
}
