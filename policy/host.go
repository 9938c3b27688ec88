package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caffeineduck/opawasm/internal/wasmbin"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

const (
	// hostModuleName holds the Go implementations of the env functions.
	hostModuleName = "opawasm"
	envModuleName  = "env"

	// maxBuiltinArity is the highest N of the opa_builtinN imports.
	maxBuiltinArity = 4
)

// instantiateHost registers the abort, println and builtin dispatch
// functions. They close over p rather than using the calling module, since
// the guest reaches them through the env forwarders.
func (p *Policy) instantiateHost(ctx context.Context) error {
	i32 := []api.ValueType{api.ValueTypeI32}
	b := p.runtime.NewHostModuleBuilder(hostModuleName)

	b.NewFunctionBuilder().
		WithGoFunction(api.GoFunc(p.hostAbort), i32, nil).
		WithParameterNames("addr").
		Export("opa_abort")

	b.NewFunctionBuilder().
		WithGoFunction(api.GoFunc(p.hostPrintln), i32, nil).
		WithParameterNames("addr").
		Export("opa_println")

	for n := 0; n <= maxBuiltinArity; n++ {
		params := make([]api.ValueType, n+2)
		for i := range params {
			params[i] = api.ValueTypeI32
		}
		b.NewFunctionBuilder().
			WithGoFunction(api.GoFunc(func(ctx context.Context, stack []uint64) {
				id := api.DecodeI32(stack[0])
				args := make([]uint32, n)
				for i := range args {
					args[i] = api.DecodeU32(stack[2+i])
				}
				stack[0] = api.EncodeU32(p.callBuiltin(ctx, id, args))
			}), params, i32).
			Export(fmt.Sprintf("opa_builtin%d", n))
	}

	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate %s host module: %w", hostModuleName, err)
	}
	return nil
}

// instantiateEnv builds the env module: forwarders to the host functions
// next to a memory sized by d.
func (p *Policy) instantiateEnv(ctx context.Context, d MemoryDescriptor) (api.Memory, error) {
	env, err := p.runtime.InstantiateWithConfig(ctx, envModule(d),
		wazero.NewModuleConfig().WithName(envModuleName))
	if err != nil {
		return nil, fmt.Errorf("instantiate env module: %w", err)
	}
	mem := env.ExportedMemory("memory")
	if mem == nil {
		return nil, fmt.Errorf("env memory: %w", ErrMissingExport)
	}
	return mem, nil
}

func envModule(d MemoryDescriptor) []byte {
	var m wasmbin.Module
	i32 := wasmbin.ValueTypeI32

	m.ForwardFunc(hostModuleName, "opa_abort", []byte{i32}, nil)
	m.ForwardFunc(hostModuleName, "opa_println", []byte{i32}, nil)
	for n := 0; n <= maxBuiltinArity; n++ {
		params := make([]byte, n+2)
		for i := range params {
			params[i] = i32
		}
		name := fmt.Sprintf("opa_builtin%d", n)
		m.ForwardFunc(hostModuleName, name, params, []byte{i32})
	}

	m.DefineMemory(wasmbin.Limits{Min: d.Initial, Max: d.Maximum})
	m.ExportMemory("memory")
	return m.Encode()
}

func (p *Policy) hostAbort(ctx context.Context, stack []uint64) {
	msg, err := p.readCString(api.DecodeU32(stack[0]))
	if err != nil {
		msg = []byte(fmt.Sprintf("unreadable abort message: %v", err))
	}
	p.logger.Debug("guest abort", zap.ByteString("message", msg))
	p.fail(&AbortError{Message: string(msg)})
}

func (p *Policy) hostPrintln(ctx context.Context, stack []uint64) {
	msg, err := p.readCString(api.DecodeU32(stack[0]))
	if err != nil {
		p.logger.Warn("println: bad string", zap.Error(err))
		return
	}
	p.logger.Info(string(msg))
}

// callBuiltin resolves the builtin by id, decodes its arguments from guest
// memory and loads the result back. Any failure aborts the guest call.
func (p *Policy) callBuiltin(ctx context.Context, id int32, argAddrs []uint32) uint32 {
	name, known := p.builtinIDs[id]
	fn, ok := p.builtins.Get(name)
	if !known || !ok {
		p.fail(&BuiltinError{ID: id, Name: name})
	}

	args := make([]any, len(argAddrs))
	for i, addr := range argAddrs {
		raw, err := p.dumpJSON(ctx, addr)
		if err != nil {
			p.fail(err)
		}
		if err := json.Unmarshal(raw, &args[i]); err != nil {
			p.fail(&BuiltinError{ID: id, Name: name, Err: fmt.Errorf("decode operand %d: %w", i+1, err)})
		}
	}

	result, err := fn(ctx, args)
	if err != nil {
		p.fail(&BuiltinError{ID: id, Name: name, Err: err})
	}

	out, err := json.Marshal(result)
	if err != nil {
		p.fail(&BuiltinError{ID: id, Name: name, Err: fmt.Errorf("encode result: %w", err)})
	}
	addr, err := p.loadJSON(ctx, out)
	if err != nil {
		p.fail(err)
	}
	return addr
}

// fail records err as the reason the current guest call stops and unwinds
// the guest by panicking; wazero turns the panic into a call error. The
// first recorded failure wins so nested calls report the root cause.
func (p *Policy) fail(err error) {
	if p.failure == nil {
		p.failure = err
	}
	panic(p.failure)
}

// callError maps an error from a guest call to what callers see.
func (p *Policy) callError(name string, err error) error {
	if p.failure != nil {
		return p.failure
	}
	return fmt.Errorf("%s: %w", name, err)
}
