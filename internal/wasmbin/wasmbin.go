// Package wasmbin writes small WebAssembly binaries: modules made of
// imports, forwarding functions, a memory, constant globals and exports.
//
// It exists to glue host functions and a host-sized linear memory into a
// single importable module, which the wazero host module builder cannot do.
// Host functions are exported through ForwardFunc rather than re-exported
// directly: wazero's compiler engine cannot bind an exported import.
package wasmbin

// Value types.
const (
	ValueTypeI32 byte = 0x7f
	ValueTypeI64 byte = 0x7e
)

const (
	sectionType     byte = 1
	sectionImport   byte = 2
	sectionFunction byte = 3
	sectionMemory   byte = 5
	sectionGlobal   byte = 6
	sectionExport   byte = 7
	sectionCode     byte = 10

	externFunc   byte = 0x00
	externMemory byte = 0x02
	externGlobal byte = 0x03

	typeFunc    byte = 0x60
	opI32Const  byte = 0x41
	opLocalGet  byte = 0x20
	opCall      byte = 0x10
	opEnd       byte = 0x0b
	limitsNoMax byte = 0x00
	limitsMax   byte = 0x01
)

// Limits are memory limits in 64 KiB pages. Max of zero means no maximum.
type Limits struct {
	Min uint32
	Max uint32
}

type funcType struct {
	params  []byte
	results []byte
}

type importEntry struct {
	module  string
	name    string
	kind    byte
	typeIdx uint32
	limits  Limits
}

// forwarder is a defined function that calls target with its own
// parameters. Defined functions follow all imports in the index space, so
// their indexes are only known at Encode.
type forwarder struct {
	name    string
	typeIdx uint32
	target  uint32
}

type exportEntry struct {
	name string
	kind byte
	idx  uint32
}

// Module accumulates the pieces of a module. The zero value is an empty
// module.
type Module struct {
	types      []funcType
	imports    []importEntry
	funcTypes  []uint32 // type index per imported function
	forwarders []forwarder
	memory     *Limits
	globals    []int32
	exports    []exportEntry
}

// ImportFunc adds a function import and returns its function index.
func (m *Module) ImportFunc(module, name string, params, results []byte) uint32 {
	typeIdx := m.typeIdx(params, results)
	m.imports = append(m.imports, importEntry{
		module:  module,
		name:    name,
		kind:    externFunc,
		typeIdx: typeIdx,
	})
	m.funcTypes = append(m.funcTypes, typeIdx)
	return uint32(len(m.funcTypes) - 1)
}

// ForwardFunc imports module.name and exports, under the same name, a
// defined function that passes its parameters through to the import.
func (m *Module) ForwardFunc(module, name string, params, results []byte) {
	idx := m.ImportFunc(module, name, params, results)
	m.forwarders = append(m.forwarders, forwarder{
		name:    name,
		typeIdx: m.funcTypes[idx],
		target:  idx,
	})
}

// ImportMemory imports memory index 0.
func (m *Module) ImportMemory(module, name string, limits Limits) {
	m.imports = append(m.imports, importEntry{
		module: module,
		name:   name,
		kind:   externMemory,
		limits: limits,
	})
}

// DefineMemory declares memory index 0 in the module itself.
func (m *Module) DefineMemory(limits Limits) {
	m.memory = &limits
}

// AddGlobalI32 adds an immutable i32 global and returns its index.
func (m *Module) AddGlobalI32(v int32) uint32 {
	m.globals = append(m.globals, v)
	return uint32(len(m.globals) - 1)
}

// ExportMemory exports memory index 0.
func (m *Module) ExportMemory(name string) {
	m.exports = append(m.exports, exportEntry{name: name, kind: externMemory})
}

// ExportGlobal exports the global at idx.
func (m *Module) ExportGlobal(name string, idx uint32) {
	m.exports = append(m.exports, exportEntry{name: name, kind: externGlobal, idx: idx})
}

// typeIdx registers a function type and returns its index, deduplicating.
func (m *Module) typeIdx(params, results []byte) uint32 {
	for i, t := range m.types {
		if string(t.params) == string(params) && string(t.results) == string(results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// Encode produces the binary module.
func (m *Module) Encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		out = appendSection(out, sectionType, m.encodeTypes())
	}
	if len(m.imports) > 0 {
		out = appendSection(out, sectionImport, m.encodeImports())
	}
	if len(m.forwarders) > 0 {
		var buf []byte
		buf = appendULEB128(buf, uint32(len(m.forwarders)))
		for _, f := range m.forwarders {
			buf = appendULEB128(buf, f.typeIdx)
		}
		out = appendSection(out, sectionFunction, buf)
	}
	if m.memory != nil {
		var buf []byte
		buf = appendULEB128(buf, 1)
		buf = appendLimits(buf, *m.memory)
		out = appendSection(out, sectionMemory, buf)
	}
	if len(m.globals) > 0 {
		out = appendSection(out, sectionGlobal, m.encodeGlobals())
	}
	if len(m.exports)+len(m.forwarders) > 0 {
		out = appendSection(out, sectionExport, m.encodeExports())
	}
	if len(m.forwarders) > 0 {
		out = appendSection(out, sectionCode, m.encodeCode())
	}
	return out
}

func (m *Module) encodeCode() []byte {
	var buf []byte
	buf = appendULEB128(buf, uint32(len(m.forwarders)))
	for _, f := range m.forwarders {
		body := []byte{0x00} // no locals
		for i := range m.types[f.typeIdx].params {
			body = append(body, opLocalGet)
			body = appendULEB128(body, uint32(i))
		}
		body = append(body, opCall)
		body = appendULEB128(body, f.target)
		body = append(body, opEnd)

		buf = appendULEB128(buf, uint32(len(body)))
		buf = append(buf, body...)
	}
	return buf
}

func (m *Module) encodeTypes() []byte {
	var buf []byte
	buf = appendULEB128(buf, uint32(len(m.types)))
	for _, t := range m.types {
		buf = append(buf, typeFunc)
		buf = appendULEB128(buf, uint32(len(t.params)))
		buf = append(buf, t.params...)
		buf = appendULEB128(buf, uint32(len(t.results)))
		buf = append(buf, t.results...)
	}
	return buf
}

func (m *Module) encodeImports() []byte {
	var buf []byte
	buf = appendULEB128(buf, uint32(len(m.imports)))
	for _, imp := range m.imports {
		buf = appendName(buf, imp.module)
		buf = appendName(buf, imp.name)
		buf = append(buf, imp.kind)
		switch imp.kind {
		case externFunc:
			buf = appendULEB128(buf, imp.typeIdx)
		case externMemory:
			buf = appendLimits(buf, imp.limits)
		}
	}
	return buf
}

func (m *Module) encodeGlobals() []byte {
	var buf []byte
	buf = appendULEB128(buf, uint32(len(m.globals)))
	for _, v := range m.globals {
		buf = append(buf, ValueTypeI32, 0x00, opI32Const)
		buf = appendSLEB128(buf, v)
		buf = append(buf, opEnd)
	}
	return buf
}

func (m *Module) encodeExports() []byte {
	var buf []byte
	buf = appendULEB128(buf, uint32(len(m.exports)+len(m.forwarders)))
	for _, exp := range m.exports {
		buf = appendName(buf, exp.name)
		buf = append(buf, exp.kind)
		buf = appendULEB128(buf, exp.idx)
	}
	for i, f := range m.forwarders {
		buf = appendName(buf, f.name)
		buf = append(buf, externFunc)
		buf = appendULEB128(buf, uint32(len(m.funcTypes)+i))
	}
	return buf
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = appendULEB128(out, uint32(len(payload)))
	return append(out, payload...)
}

func appendName(buf []byte, s string) []byte {
	buf = appendULEB128(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendLimits(buf []byte, l Limits) []byte {
	if l.Max > 0 {
		buf = append(buf, limitsMax)
		buf = appendULEB128(buf, l.Min)
		return appendULEB128(buf, l.Max)
	}
	buf = append(buf, limitsNoMax)
	return appendULEB128(buf, l.Min)
}

func appendULEB128(buf []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, c)
		}
		buf = append(buf, c|0x80)
	}
}

func appendSLEB128(buf []byte, v int32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(buf, c)
		}
		buf = append(buf, c|0x80)
	}
}
