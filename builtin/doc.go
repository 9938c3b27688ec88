// Package builtin provides host implementations of policy builtins.
//
// A compiled policy implements most builtins itself. The rest are imported
// from the host: the guest calls opa_builtinN with a builtin id, the host
// maps the id to a name and invokes the [Func] registered under that name.
//
// # Registry
//
//	registry := builtin.NewRegistry()
//	registry.Register("custom.hello", func(ctx context.Context, args []any) (any, error) {
//	    return "hello, " + args[0].(string), nil
//	})
//
// # Defaults
//
// [Defaults] returns the builtins every policy gets unless overridden:
// sprintf, json.is_valid, yaml.is_valid, yaml.marshal, yaml.unmarshal,
// semver.is_valid, semver.compare, regex.split, regex.find_n and
// time.now_ns.
//
// # Network access
//
// http.send is not part of the defaults. Enable it explicitly with an
// allow-list:
//
//	registry.Register("http.send", builtin.NewHTTPSend(builtin.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	}))
package builtin
