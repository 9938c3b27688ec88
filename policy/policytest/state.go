package policytest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	pageSize = 65536

	// scratchAddr holds abort and println messages, so aborting on
	// exhausted memory does not need to allocate.
	scratchAddr = 8
	scratchSize = 1016
	heapBase    = scratchAddr + scratchSize
)

type evalCtx struct {
	input      any
	hasInput   bool
	data       any
	entrypoint int32
	result     uint32
}

// state is one runtime's view of the guest: a bump allocator over the env
// memory and the values parsed into it.
type state struct {
	g  *Guest
	rt wazero.Runtime

	mem     api.Memory
	envFns  map[string]api.Function
	heapPtr uint32
	values  map[uint32]any
	ctxs    map[uint32]*evalCtx
}

func newState(g *Guest, rt wazero.Runtime) *state {
	return &state{
		g:       g,
		rt:      rt,
		envFns:  make(map[string]api.Function),
		heapPtr: heapBase,
		values:  make(map[uint32]any),
		ctxs:    make(map[uint32]*evalCtx),
	}
}

func (s *state) memory() api.Memory {
	if s.mem == nil {
		env := s.rt.Module("env")
		if env == nil {
			panic("policytest: env module not instantiated")
		}
		s.mem = env.ExportedMemory("memory")
	}
	return s.mem
}

func (s *state) envFunc(name string) api.Function {
	fn, ok := s.envFns[name]
	if !ok {
		fn = s.rt.Module("env").ExportedFunction(name)
		if fn == nil {
			panic("policytest: env does not export " + name)
		}
		s.envFns[name] = fn
	}
	return fn
}

func (s *state) alloc(ctx context.Context, n uint32) uint32 {
	addr := (s.heapPtr + 7) &^ 7
	end := uint64(addr) + uint64(n)
	mem := s.memory()
	if size := uint64(mem.Size()); end > size {
		pages := (end - size + pageSize - 1) / pageSize
		if _, ok := mem.Grow(uint32(pages)); !ok {
			s.abort(ctx, "out of memory")
		}
	}
	s.heapPtr = uint32(end)
	return addr
}

// store puts v into a fresh value cell.
func (s *state) store(ctx context.Context, v any) uint32 {
	addr := s.alloc(ctx, 8)
	s.values[addr] = v
	return addr
}

func (s *state) load(ctx context.Context, addr uint32) any {
	v, ok := s.values[addr]
	if !ok {
		s.abort(ctx, fmt.Sprintf("invalid value address %#x", addr))
	}
	return v
}

// writeString allocates a NUL-terminated copy of b.
func (s *state) writeString(ctx context.Context, b []byte) uint32 {
	addr := s.alloc(ctx, uint32(len(b)+1))
	s.memory().Write(addr, append(b, 0))
	return addr
}

func (s *state) dump(ctx context.Context, v any) uint32 {
	b, err := json.Marshal(v)
	if err != nil {
		s.abort(ctx, "dump: "+err.Error())
	}
	return s.writeString(ctx, b)
}

func (s *state) parse(addr, n uint32) (any, bool) {
	b, ok := s.memory().Read(addr, n)
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (s *state) message(ctx context.Context, name, msg string) {
	b := []byte(msg)
	if len(b) > scratchSize-1 {
		b = b[:scratchSize-1]
	}
	s.memory().Write(scratchAddr, append(b, 0))
	if _, err := s.envFunc(name).Call(ctx, scratchAddr); err != nil {
		panic(err)
	}
}

// abort reports msg through opa_abort and unwinds the guest call.
func (s *state) abort(ctx context.Context, msg string) {
	s.message(ctx, "opa_abort", msg)
	panic(fmt.Errorf("opa_abort returned: %s", msg))
}

func (s *state) println(ctx context.Context, msg string) {
	s.message(ctx, "opa_println", msg)
}

func (s *state) callBuiltin(ctx context.Context, name string, args []any) (any, error) {
	id := -1
	for i, b := range s.g.builtins {
		if b == name {
			id = i
			break
		}
	}
	if id < 0 {
		return nil, fmt.Errorf("builtin %s not declared", name)
	}
	if len(args) > 4 {
		return nil, fmt.Errorf("builtin %s: too many operands", name)
	}

	params := []uint64{api.EncodeI32(int32(id)), 0}
	for _, arg := range args {
		params = append(params, uint64(s.store(ctx, normalize(arg))))
	}
	res, err := s.envFunc(fmt.Sprintf("opa_builtin%d", len(args))).Call(ctx, params...)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, api.DecodeU32(res[0])), nil
}

func (s *state) malloc(ctx context.Context, stack []uint64) {
	stack[0] = api.EncodeU32(s.alloc(ctx, api.DecodeU32(stack[0])))
}

func (s *state) free(ctx context.Context, stack []uint64) {}

func (s *state) jsonParse(ctx context.Context, stack []uint64) {
	v, ok := s.parse(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok {
		stack[0] = 0
		return
	}
	stack[0] = api.EncodeU32(s.store(ctx, v))
}

func (s *state) jsonDump(ctx context.Context, stack []uint64) {
	v := s.load(ctx, api.DecodeU32(stack[0]))
	stack[0] = api.EncodeU32(s.dump(ctx, v))
}

func (s *state) heapPtrGet(ctx context.Context, stack []uint64) {
	stack[0] = api.EncodeU32(s.heapPtr)
}

func (s *state) heapPtrSet(ctx context.Context, stack []uint64) {
	s.resetHeap(api.DecodeU32(stack[0]))
}

// resetHeap moves the heap pointer, forgetting everything allocated above it.
func (s *state) resetHeap(ptr uint32) {
	s.heapPtr = ptr
	for addr := range s.values {
		if addr >= ptr {
			delete(s.values, addr)
		}
	}
	for addr := range s.ctxs {
		if addr >= ptr {
			delete(s.ctxs, addr)
		}
	}
}

func (s *state) evalCtxNew(ctx context.Context, stack []uint64) {
	addr := s.alloc(ctx, 8)
	s.ctxs[addr] = &evalCtx{}
	stack[0] = api.EncodeU32(addr)
}

func (s *state) evalContext(ctx context.Context, addr uint32) *evalCtx {
	ec, ok := s.ctxs[addr]
	if !ok {
		s.abort(ctx, fmt.Sprintf("invalid eval context %#x", addr))
	}
	return ec
}

func (s *state) evalCtxSetInput(ctx context.Context, stack []uint64) {
	ec := s.evalContext(ctx, api.DecodeU32(stack[0]))
	ec.input = s.load(ctx, api.DecodeU32(stack[1]))
	ec.hasInput = true
}

func (s *state) evalCtxSetData(ctx context.Context, stack []uint64) {
	ec := s.evalContext(ctx, api.DecodeU32(stack[0]))
	ec.data = s.load(ctx, api.DecodeU32(stack[1]))
}

func (s *state) evalCtxSetEntrypoint(ctx context.Context, stack []uint64) {
	ec := s.evalContext(ctx, api.DecodeU32(stack[0]))
	ec.entrypoint = api.DecodeI32(stack[1])
}

func (s *state) evalCtxGetResult(ctx context.Context, stack []uint64) {
	stack[0] = api.EncodeU32(s.evalContext(ctx, api.DecodeU32(stack[0])).result)
}

func (s *state) eval(ctx context.Context, stack []uint64) {
	ec := s.evalContext(ctx, api.DecodeU32(stack[0]))
	rs := s.run(ctx, ec.entrypoint, ec.input, ec.hasInput, ec.data)
	ec.result = s.store(ctx, rs)
	stack[0] = 0
}

// opaEval implements the single-call evaluation:
// (reserved, entrypoint, data, input, input_len, heap_ptr, format) -> json.
func (s *state) opaEval(ctx context.Context, stack []uint64) {
	ep := api.DecodeI32(stack[1])
	dataAddr := api.DecodeU32(stack[2])
	inputAddr := api.DecodeU32(stack[3])
	inputLen := api.DecodeU32(stack[4])
	s.resetHeap(api.DecodeU32(stack[5]))

	var input any
	hasInput := inputLen > 0
	if hasInput {
		v, ok := s.parse(inputAddr, inputLen)
		if !ok {
			s.abort(ctx, "opa_eval: failed to parse input")
		}
		input = v
	}
	data := s.load(ctx, dataAddr)

	rs := s.run(ctx, ep, input, hasInput, data)
	stack[0] = api.EncodeU32(s.dump(ctx, rs))
}

func (s *state) builtinsExport(ctx context.Context, stack []uint64) {
	ids := make(map[string]any, len(s.g.builtins))
	for i, name := range s.g.builtins {
		ids[name] = float64(i)
	}
	stack[0] = api.EncodeU32(s.store(ctx, ids))
}

func (s *state) entrypointsExport(ctx context.Context, stack []uint64) {
	eps := make(map[string]any, len(s.g.rules))
	for i, r := range s.g.rules {
		eps[r.Name] = float64(i)
	}
	stack[0] = api.EncodeU32(s.store(ctx, eps))
}
