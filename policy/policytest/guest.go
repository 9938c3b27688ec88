// Package policytest provides an in-process stand-in for a compiled policy
// binary. The Guest implements the policy ABI in Go behind a small generated
// wasm module, so tests can exercise the policy package without the OPA
// toolchain.
//
//	g := policytest.New(policytest.Rule{Name: "example/allow", Eval: allow})
//	p, err := policy.Load(ctx, g.Wasm(), policy.WithHostModules(g.Setup))
package policytest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caffeineduck/opawasm/internal/wasmbin"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// ModuleName is the host module holding the Go side of the guest.
const ModuleName = "opawasm_fake"

// Rule is one entrypoint. Entrypoint ids follow the order rules are given.
type Rule struct {
	Name string
	Eval func(c *Call) (any, error)
}

type undefined struct{}

// Undefined returned from a Rule yields an empty result set.
var Undefined = undefined{}

// Const returns an Eval that always yields v.
func Const(v any) func(*Call) (any, error) {
	return func(*Call) (any, error) { return v, nil }
}

// Guest describes the fake policy binary.
type Guest struct {
	rules    []Rule
	builtins []string

	abiVersion int32
	abiMinor   int32
	globals    bool
}

// Option configures a Guest.
type Option func(*Guest)

// WithABIMinorVersion sets the exported minor version. Versions below 2 omit
// the opa_eval export.
func WithABIMinorVersion(v int32) Option {
	return func(g *Guest) {
		g.abiMinor = v
	}
}

// WithABIVersion sets the exported major version.
func WithABIVersion(v int32) Option {
	return func(g *Guest) {
		g.abiVersion = v
	}
}

// WithoutABIGlobals omits both version globals.
func WithoutABIGlobals() Option {
	return func(g *Guest) {
		g.globals = false
	}
}

// WithBuiltins declares builtins the guest delegates to the host. Ids are
// assigned in order.
func WithBuiltins(names ...string) Option {
	return func(g *Guest) {
		g.builtins = append(g.builtins, names...)
	}
}

// New creates a Guest exporting ABI 1.2 by default.
func New(rules []Rule, opts ...Option) *Guest {
	g := &Guest{
		rules:      rules,
		abiVersion: 1,
		abiMinor:   2,
		globals:    true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type export struct {
	name    string
	params  int
	results int
	fn      api.GoFunc
}

// exports lists the ABI functions backed by s.
func (g *Guest) exports(s *state) []export {
	list := []export{
		{"opa_malloc", 1, 1, s.malloc},
		{"opa_free", 1, 0, s.free},
		{"opa_json_parse", 2, 1, s.jsonParse},
		{"opa_value_parse", 2, 1, s.jsonParse},
		{"opa_json_dump", 1, 1, s.jsonDump},
		{"opa_value_dump", 1, 1, s.jsonDump},
		{"opa_heap_ptr_get", 0, 1, s.heapPtrGet},
		{"opa_heap_ptr_set", 1, 0, s.heapPtrSet},
		{"opa_eval_ctx_new", 0, 1, s.evalCtxNew},
		{"opa_eval_ctx_set_input", 2, 0, s.evalCtxSetInput},
		{"opa_eval_ctx_set_data", 2, 0, s.evalCtxSetData},
		{"opa_eval_ctx_set_entrypoint", 2, 0, s.evalCtxSetEntrypoint},
		{"opa_eval_ctx_get_result", 1, 1, s.evalCtxGetResult},
		{"eval", 1, 1, s.eval},
		{"builtins", 0, 1, s.builtinsExport},
		{"entrypoints", 0, 1, s.entrypointsExport},
	}
	if g.abiMinor >= 2 {
		list = append(list, export{"opa_eval", 7, 1, s.opaEval})
	}
	return list
}

// Wasm returns the guest binary. It imports its memory from env and its
// functions from ModuleName, so it only links after Setup ran.
func (g *Guest) Wasm() []byte {
	var m wasmbin.Module
	m.ImportMemory("env", "memory", wasmbin.Limits{Min: 1})
	for _, e := range g.exports(nil) {
		m.ForwardFunc(ModuleName, e.name, i32s(e.params), i32s(e.results))
	}
	if g.globals {
		m.ExportGlobal("opa_wasm_abi_version", m.AddGlobalI32(g.abiVersion))
		m.ExportGlobal("opa_wasm_abi_minor_version", m.AddGlobalI32(g.abiMinor))
	}
	return m.Encode()
}

// Setup instantiates the Go side of the guest into r. Each runtime gets its
// own heap.
func (g *Guest) Setup(ctx context.Context, r wazero.Runtime) error {
	s := newState(g, r)
	b := r.NewHostModuleBuilder(ModuleName)
	for _, e := range g.exports(s) {
		b.NewFunctionBuilder().
			WithGoFunction(e.fn, valueTypes(e.params), valueTypes(e.results)).
			Export(e.name)
	}
	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate %s: %w", ModuleName, err)
	}
	return nil
}

// Call is the evaluation a Rule runs in.
type Call struct {
	ctx      context.Context
	s        *state
	Input    any
	HasInput bool
	Data     any
}

// Context returns the context of the guest call.
func (c *Call) Context() context.Context { return c.ctx }

// Builtin calls a declared builtin through the env imports and returns its
// decoded result.
func (c *Call) Builtin(name string, args ...any) (any, error) {
	return c.s.callBuiltin(c.ctx, name, args)
}

// Abort calls opa_abort with msg. It does not return.
func (c *Call) Abort(msg string) {
	c.s.abort(c.ctx, msg)
}

// Println calls opa_println with msg.
func (c *Call) Println(msg string) {
	c.s.println(c.ctx, msg)
}

// Alloc reserves n bytes of guest heap, growing memory as a real policy
// would for large intermediate values.
func (c *Call) Alloc(n uint32) {
	c.s.alloc(c.ctx, n)
}

var errUnknownEntrypoint = errors.New("unknown entrypoint")

func (s *state) run(ctx context.Context, ep int32, input any, hasInput bool, data any) []any {
	if ep < 0 || int(ep) >= len(s.g.rules) {
		s.abort(ctx, fmt.Sprintf("%v: %d", errUnknownEntrypoint, ep))
	}
	rule := s.g.rules[ep]
	c := &Call{ctx: ctx, s: s, Input: input, HasInput: hasInput, Data: data}
	v, err := rule.Eval(c)
	if err != nil {
		panic(err)
	}
	if v == Undefined {
		return []any{}
	}
	return []any{map[string]any{"result": normalize(v)}}
}

// normalize gives rule results the shape they have after a JSON round trip.
func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("rule result: %w", err))
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Errorf("rule result: %w", err))
	}
	return out
}

func i32s(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = wasmbin.ValueTypeI32
	}
	return out
}

func valueTypes(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}
