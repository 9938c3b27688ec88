package policy

import (
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
)

// requiredExports are the functions every supported policy binary exports.
// opa_eval is only required from ABI 1.2 and is checked at load time.
var requiredExports = []string{
	"opa_malloc",
	"opa_json_parse",
	"opa_json_dump",
	"opa_heap_ptr_get",
	"opa_heap_ptr_set",
	"opa_eval_ctx_new",
	"opa_eval_ctx_set_input",
	"opa_eval_ctx_set_data",
	"opa_eval_ctx_set_entrypoint",
	"opa_eval_ctx_get_result",
	"eval",
	"builtins",
	"entrypoints",
}

// Module is a compiled, validated policy binary. It can be loaded any number
// of times through the Engine that compiled it.
type Module struct {
	hash     string
	wasm     []byte
	exports  []string
	imports  []string
	compiled wazero.CompiledModule
}

// Hash is the hex SHA-256 of the binary.
func (m *Module) Hash() string { return m.hash }

// Exports lists the exported function names, sorted.
func (m *Module) Exports() []string { return append([]string(nil), m.exports...) }

// Imports lists the imported functions as "module.name", in import order.
func (m *Module) Imports() []string { return append([]string(nil), m.imports...) }

func newModule(hash string, wasm []byte, compiled wazero.CompiledModule) (*Module, error) {
	exported := compiled.ExportedFunctions()
	var missing []string
	for _, name := range requiredExports {
		if _, ok := exported[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMissingExport, missing)
	}

	m := &Module{
		hash:     hash,
		wasm:     wasm,
		compiled: compiled,
	}
	for name := range exported {
		m.exports = append(m.exports, name)
	}
	sort.Strings(m.exports)
	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		m.imports = append(m.imports, mod+"."+name)
	}
	return m, nil
}
