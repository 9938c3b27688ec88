// Package policy loads and evaluates precompiled OPA policy WebAssembly
// binaries with wazero.
//
// # Quick Start
//
//	p, err := policy.Load(ctx, wasm)
//	if err != nil {
//		return err
//	}
//	defer p.Close(ctx)
//
//	if err := p.SetData(ctx, map[string]any{"roles": roles}); err != nil {
//		return err
//	}
//	rs, err := p.Evaluate(ctx, input, policy.WithEntrypoint("example/allow"))
//
// # Engines
//
// An Engine shares one compilation cache across policies and carries the
// builtin registry and memory limits:
//
//	engine, err := policy.New(registry, policy.WithDiskCache(), policy.WithMemoryLimit(policy.MemoryLimit64MB))
//	m, err := engine.Compile(ctx, wasm)
//	p1, err := engine.LoadModule(ctx, m)
//	p2, err := engine.LoadModule(ctx, m, policy.WithMemory(16))
//
// Every policy gets its own runtime. The guest imports its memory and the
// opa_abort, opa_println and opa_builtinN functions from a generated module
// named env.
//
// # Builtins
//
// Builtins not compiled into the policy are delegated to the host and
// looked up by name in the builtin registry. Per-load builtins override the
// engine's, which override builtin.Defaults:
//
//	p, err := engine.LoadPolicy(ctx, wasm, policy.WithBuiltin("custom.lookup",
//		func(ctx context.Context, args []any) (any, error) {
//			return directory[args[0].(string)], nil
//		}))
//
// # Concurrency
//
// Evaluate and SetData on one Policy run one at a time. Load several
// policies from the same Module to evaluate in parallel.
package policy
