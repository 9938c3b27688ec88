package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/caffeineduck/opawasm/builtin"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Policy is one instantiated policy binary together with its linear memory
// and loaded data. Calls on a Policy are serialized.
type Policy struct {
	runtime  wazero.Runtime
	mem      api.Memory
	fn       exports
	builtins *builtin.Registry
	logger   *zap.Logger
	engine   *Engine

	// ownsEngine is set for policies created by Load.
	ownsEngine bool

	abiVersion  int32
	abiMinor    int32
	dataAddr    uint32
	baseHeapPtr uint32
	dataHeapPtr uint32
	entrypoints map[string]int32
	builtinIDs  map[int32]string

	// failure is the abort or builtin error that stopped the current guest
	// call, if any.
	failure error

	mu     sync.Mutex
	closed bool
}

type exports struct {
	malloc               api.Function
	jsonParse            api.Function
	jsonDump             api.Function
	heapPtrGet           api.Function
	heapPtrSet           api.Function
	evalCtxNew           api.Function
	evalCtxSetInput      api.Function
	evalCtxSetData       api.Function
	evalCtxSetEntrypoint api.Function
	evalCtxGetResult     api.Function
	eval                 api.Function
	builtins             api.Function
	entrypoints          api.Function

	// opaEval is nil below ABI 1.2.
	opaEval api.Function
}

// Load instantiates a policy with a private Engine that is closed together
// with the policy.
func Load(ctx context.Context, wasm []byte, opts ...Option) (*Policy, error) {
	e, err := New(nil)
	if err != nil {
		return nil, err
	}
	p, err := e.LoadPolicy(ctx, wasm, opts...)
	if err != nil {
		e.Close()
		return nil, err
	}
	p.ownsEngine = true
	return p, nil
}

func (p *Policy) instantiate(ctx context.Context, wasm []byte, cfg loadConfig) error {
	for _, setup := range cfg.hostModules {
		if err := setup(ctx, p.runtime); err != nil {
			return fmt.Errorf("host module: %w", err)
		}
	}
	if err := p.instantiateHost(ctx); err != nil {
		return err
	}
	mem, err := p.instantiateEnv(ctx, cfg.memory)
	if err != nil {
		return err
	}
	p.mem = mem

	compiled, err := p.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("compile policy: %w", err)
	}
	guest, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("policy"))
	if err != nil {
		if p.failure != nil {
			return p.failure
		}
		return fmt.Errorf("instantiate policy: %w", err)
	}

	if err := p.readABIVersion(guest); err != nil {
		return err
	}
	if err := p.bindExports(guest); err != nil {
		return err
	}

	if p.builtinIDs, err = p.loadBuiltinIDs(ctx); err != nil {
		return err
	}
	if p.entrypoints, err = p.loadEntrypoints(ctx); err != nil {
		return err
	}

	if p.dataAddr, err = p.loadJSON(ctx, []byte("{}")); err != nil {
		return fmt.Errorf("load initial data: %w", err)
	}
	if p.baseHeapPtr, err = p.heapPtr(ctx); err != nil {
		return err
	}
	p.dataHeapPtr = p.baseHeapPtr

	p.logger.Debug("policy loaded",
		zap.Int32("abi_version", p.abiVersion),
		zap.Int32("abi_minor_version", p.abiMinor),
		zap.Int("entrypoints", len(p.entrypoints)),
		zap.Int("builtins", len(p.builtinIDs)),
		zap.Uint32("memory_pages", p.mem.Size()/pageSize))
	return nil
}

func (p *Policy) readABIVersion(guest api.Module) error {
	p.abiVersion = 1
	if g := guest.ExportedGlobal("opa_wasm_abi_version"); g != nil {
		p.abiVersion = api.DecodeI32(g.Get())
		if p.abiVersion != 1 {
			return fmt.Errorf("%w: %d", ErrUnsupportedABI, p.abiVersion)
		}
	} else {
		p.logger.Warn("opa_wasm_abi_version undefined, assuming 1")
	}

	if g := guest.ExportedGlobal("opa_wasm_abi_minor_version"); g != nil {
		p.abiMinor = api.DecodeI32(g.Get())
	} else {
		p.logger.Warn("opa_wasm_abi_minor_version undefined, assuming 0")
	}
	return nil
}

func (p *Policy) bindExports(guest api.Module) error {
	bind := func(name string) (api.Function, error) {
		fn := guest.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingExport, name)
		}
		return fn, nil
	}

	type binding struct {
		name string
		dst  *api.Function
	}
	targets := []binding{
		{"opa_malloc", &p.fn.malloc},
		{"opa_json_parse", &p.fn.jsonParse},
		{"opa_json_dump", &p.fn.jsonDump},
		{"opa_heap_ptr_get", &p.fn.heapPtrGet},
		{"opa_heap_ptr_set", &p.fn.heapPtrSet},
		{"opa_eval_ctx_new", &p.fn.evalCtxNew},
		{"opa_eval_ctx_set_input", &p.fn.evalCtxSetInput},
		{"opa_eval_ctx_set_data", &p.fn.evalCtxSetData},
		{"opa_eval_ctx_set_entrypoint", &p.fn.evalCtxSetEntrypoint},
		{"opa_eval_ctx_get_result", &p.fn.evalCtxGetResult},
		{"eval", &p.fn.eval},
		{"builtins", &p.fn.builtins},
		{"entrypoints", &p.fn.entrypoints},
	}
	if p.abiMinor >= 2 {
		targets = append(targets, binding{"opa_eval", &p.fn.opaEval})
	}

	for _, t := range targets {
		fn, err := bind(t.name)
		if err != nil {
			return err
		}
		*t.dst = fn
	}
	return nil
}

func (p *Policy) loadBuiltinIDs(ctx context.Context) (map[int32]string, error) {
	var byName map[string]int32
	if err := p.dumpExport(ctx, p.fn.builtins, "builtins", &byName); err != nil {
		return nil, err
	}
	ids := make(map[int32]string, len(byName))
	for name, id := range byName {
		ids[id] = name
		if _, ok := p.builtins.Get(name); !ok {
			p.logger.Warn("builtin required by policy is not registered", zap.String("builtin", name))
		}
	}
	return ids, nil
}

func (p *Policy) loadEntrypoints(ctx context.Context) (map[string]int32, error) {
	var eps map[string]int32
	if err := p.dumpExport(ctx, p.fn.entrypoints, "entrypoints", &eps); err != nil {
		return nil, err
	}
	if eps == nil {
		eps = map[string]int32{}
	}
	return eps, nil
}

// dumpExport calls a zero-argument export returning a value address and
// decodes the dumped JSON into v.
func (p *Policy) dumpExport(ctx context.Context, fn api.Function, name string, v any) error {
	res, err := fn.Call(ctx)
	if err != nil {
		return p.callError(name, err)
	}
	raw, err := p.dumpJSON(ctx, api.DecodeU32(res[0]))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (p *Policy) heapPtr(ctx context.Context) (uint32, error) {
	res, err := p.fn.heapPtrGet.Call(ctx)
	if err != nil {
		return 0, p.callError("opa_heap_ptr_get", err)
	}
	return api.DecodeU32(res[0]), nil
}

func (p *Policy) setHeapPtr(ctx context.Context, ptr uint32) error {
	if _, err := p.fn.heapPtrSet.Call(ctx, uint64(ptr)); err != nil {
		return p.callError("opa_heap_ptr_set", err)
	}
	return nil
}

// Evaluate runs an entrypoint against input and decodes the result set.
// A nil input is undefined; []byte and json.RawMessage are passed through as
// JSON; anything else is marshalled with encoding/json.
func (p *Policy) Evaluate(ctx context.Context, input any, opts ...EvalOption) (ResultSet, error) {
	raw, err := p.EvaluateRaw(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	var rs ResultSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("decode result set: %w", err)
	}
	return rs, nil
}

// EvaluateRaw is Evaluate returning the result set JSON as produced by the
// policy.
func (p *Policy) EvaluateRaw(ctx context.Context, input any, opts ...EvalOption) ([]byte, error) {
	var cfg evalConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	in, err := marshalValue(input)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	ep, err := p.resolveEntrypoint(cfg)
	if err != nil {
		return nil, err
	}

	p.failure = nil
	var out []byte
	if p.fn.opaEval != nil {
		out, err = p.evalFast(ctx, ep, in)
	} else {
		out, err = p.evalContext(ctx, ep, in)
	}
	if err != nil {
		return nil, p.finish(ctx, "evaluate", err)
	}
	return out, nil
}

// evalFast uses the single opa_eval call of ABI 1.2: the input is written
// right after the loaded data and the heap starts behind it.
func (p *Policy) evalFast(ctx context.Context, ep int32, in []byte) ([]byte, error) {
	inputAddr := p.dataHeapPtr
	inputLen := uint32(len(in))
	if inputLen > 0 {
		if err := p.ensureMemory(uint64(inputAddr) + uint64(inputLen)); err != nil {
			return nil, err
		}
		if !p.mem.Write(inputAddr, in) {
			return nil, fmt.Errorf("write input: %w", ErrMemoryExhausted)
		}
	}
	heapPtr := inputAddr + inputLen

	res, err := p.fn.opaEval.Call(ctx,
		0, // reserved
		api.EncodeI32(ep),
		uint64(p.dataAddr),
		uint64(inputAddr),
		uint64(inputLen),
		uint64(heapPtr),
		0, // JSON output
	)
	if err != nil {
		return nil, p.callError("opa_eval", err)
	}
	return p.readCString(api.DecodeU32(res[0]))
}

// evalContext drives an evaluation context step by step, for binaries
// below ABI 1.2.
func (p *Policy) evalContext(ctx context.Context, ep int32, in []byte) ([]byte, error) {
	if err := p.setHeapPtr(ctx, p.dataHeapPtr); err != nil {
		return nil, err
	}

	var inputAddr uint32
	if in != nil {
		var err error
		if inputAddr, err = p.loadJSON(ctx, in); err != nil {
			return nil, fmt.Errorf("load input: %w", err)
		}
	}

	res, err := p.fn.evalCtxNew.Call(ctx)
	if err != nil {
		return nil, p.callError("opa_eval_ctx_new", err)
	}
	evalCtx := res[0]

	if inputAddr != 0 {
		if _, err := p.fn.evalCtxSetInput.Call(ctx, evalCtx, uint64(inputAddr)); err != nil {
			return nil, p.callError("opa_eval_ctx_set_input", err)
		}
	}
	if _, err := p.fn.evalCtxSetData.Call(ctx, evalCtx, uint64(p.dataAddr)); err != nil {
		return nil, p.callError("opa_eval_ctx_set_data", err)
	}
	if _, err := p.fn.evalCtxSetEntrypoint.Call(ctx, evalCtx, api.EncodeI32(ep)); err != nil {
		return nil, p.callError("opa_eval_ctx_set_entrypoint", err)
	}
	if _, err := p.fn.eval.Call(ctx, evalCtx); err != nil {
		return nil, p.callError("eval", err)
	}

	res, err = p.fn.evalCtxGetResult.Call(ctx, evalCtx)
	if err != nil {
		return nil, p.callError("opa_eval_ctx_get_result", err)
	}
	return p.dumpJSON(ctx, api.DecodeU32(res[0]))
}

// EvalBool evaluates the default entrypoint and reports whether it produced
// exactly one result equal to true.
//
// Deprecated: use Evaluate and inspect the ResultSet.
func (p *Policy) EvalBool(ctx context.Context, input any, opts ...EvalOption) (bool, error) {
	rs, err := p.Evaluate(ctx, input, opts...)
	if err != nil {
		return false, err
	}
	return rs.Allowed(), nil
}

// SetData replaces the data document. Accepts the same forms as Evaluate's
// input; nil resets the data to an empty object.
func (p *Policy) SetData(ctx context.Context, data any) error {
	b, err := marshalValue(data)
	if err != nil {
		return err
	}
	if b == nil {
		b = []byte("{}")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.failure = nil
	if err := p.setData(ctx, b); err != nil {
		if ctx.Err() == nil {
			// The previous document was released with the heap; fall back to
			// an empty one so the policy stays usable.
			p.failure = nil
			if rerr := p.setData(ctx, []byte("{}")); rerr != nil {
				p.logger.Warn("reset data", zap.Error(rerr))
			}
		}
		return p.finish(ctx, "set data", err)
	}
	return nil
}

func (p *Policy) setData(ctx context.Context, b []byte) error {
	if err := p.setHeapPtr(ctx, p.baseHeapPtr); err != nil {
		return err
	}
	addr, err := p.loadJSON(ctx, b)
	if err != nil {
		return fmt.Errorf("load data: %w", err)
	}
	ptr, err := p.heapPtr(ctx)
	if err != nil {
		return err
	}
	p.dataAddr = addr
	p.dataHeapPtr = ptr
	return nil
}

// finish closes the policy when ctx ended the call, since the runtime is
// gone at that point.
func (p *Policy) finish(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		p.closeLocked(context.Background())
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return err
}

func (p *Policy) resolveEntrypoint(cfg evalConfig) (int32, error) {
	if cfg.namedEntrypoint {
		id, ok := p.entrypoints[cfg.entrypoint]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownEntrypoint, cfg.entrypoint)
		}
		return id, nil
	}
	for _, id := range p.entrypoints {
		if id == cfg.entrypointID {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: id %d", ErrUnknownEntrypoint, cfg.entrypointID)
}

// Entrypoints returns a copy of the entrypoint name to id mapping.
func (p *Policy) Entrypoints() map[string]int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int32, len(p.entrypoints))
	for name, id := range p.entrypoints {
		out[name] = id
	}
	return out
}

// ABIVersion returns the ABI major and minor version of the binary.
func (p *Policy) ABIVersion() (major, minor int32) {
	return p.abiVersion, p.abiMinor
}

// MemoryPages returns the current memory size in 64KB pages.
func (p *Policy) MemoryPages() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return p.mem.Size() / pageSize
}

// Close releases the policy's runtime. Further calls return ErrClosed.
func (p *Policy) Close(ctx context.Context) error {
	p.mu.Lock()
	err := p.closeLocked(ctx)
	p.mu.Unlock()

	if p.ownsEngine {
		if cerr := p.engine.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (p *Policy) closeLocked(ctx context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.engine.untrack(p)
	p.logger.Debug("policy closed")
	return p.runtime.Close(ctx)
}
