// Package opawasm evaluates Open Policy Agent policies compiled to
// WebAssembly, without cgo and without the OPA toolchain at runtime.
//
// # Overview
//
// Policies are built ahead of time (opa build -t wasm) and loaded here into
// an isolated wazero runtime. The host supplies the guest's memory, the
// abort and print hooks, and any builtin functions the compiler left to the
// host. Nothing else is reachable from the policy; http.send is only
// registered when a host allowlist is configured.
//
// # Basic Usage
//
//	p, _ := policy.Load(ctx, wasm)
//	defer p.Close(ctx)
//
//	p.SetData(ctx, map[string]any{"admins": []string{"alice"}})
//	rs, _ := p.Evaluate(ctx, map[string]any{"user": "alice"})
//	fmt.Println(rs.Allowed())
//
// # Custom Builtins
//
//	registry := builtin.NewRegistry()
//	registry.Register("custom.lookup", lookup)
//
//	engine, _ := policy.New(registry, policy.WithDiskCache())
//	defer engine.Close()
//	p, _ := engine.LoadPolicy(ctx, wasm)
//
// See the [policy] and [builtin] packages for detailed API documentation,
// and [policy/policytest] for a fake guest usable in tests.
package opawasm
