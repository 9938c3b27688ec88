package wasmbin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestLEB128(t *testing.T) {
	assert.Equal(t, []byte{0x00}, appendULEB128(nil, 0))
	assert.Equal(t, []byte{0xe5, 0x8e, 0x26}, appendULEB128(nil, 624485))
	assert.Equal(t, []byte{0x7f}, appendSLEB128(nil, -1))
	assert.Equal(t, []byte{0x3f}, appendSLEB128(nil, 63))
	assert.Equal(t, []byte{0xc0, 0x00}, appendSLEB128(nil, 64))
	assert.Equal(t, []byte{0xc0, 0xbb, 0x78}, appendSLEB128(nil, -123456))
}

func TestEmptyModule(t *testing.T) {
	var m Module
	assert.Equal(t, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, m.Encode())
}

func TestTypeDeduplication(t *testing.T) {
	var m Module
	i32 := []byte{ValueTypeI32}
	m.ImportFunc("host", "a", i32, i32)
	m.ImportFunc("host", "b", i32, i32)
	m.ImportFunc("host", "c", i32, nil)
	assert.Len(t, m.types, 2)
}

func TestForwardModule(t *testing.T) {
	ctx := context.Background()
	// The default config selects the compiler engine where it is supported,
	// which cannot call exported imports.
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig())
	defer r.Close(ctx)

	i32 := []api.ValueType{api.ValueTypeI32}
	_, err := r.NewHostModuleBuilder("host").
		NewFunctionBuilder().
		WithGoFunction(api.GoFunc(func(ctx context.Context, stack []uint64) {
			stack[0] = api.EncodeU32(api.DecodeU32(stack[0]) * 2)
		}), i32, i32).
		Export("double").
		NewFunctionBuilder().
		WithGoFunction(api.GoFunc(func(ctx context.Context, stack []uint64) {
			stack[0] = api.EncodeU32(api.DecodeU32(stack[0]) - api.DecodeU32(stack[1]))
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, i32).
		Export("sub").
		Instantiate(ctx)
	require.NoError(t, err)

	var m Module
	m.ForwardFunc("host", "double", []byte{ValueTypeI32}, []byte{ValueTypeI32})
	m.ForwardFunc("host", "sub", []byte{ValueTypeI32, ValueTypeI32}, []byte{ValueTypeI32})
	m.DefineMemory(Limits{Min: 2, Max: 4})
	m.ExportMemory("memory")
	m.ExportGlobal("answer", m.AddGlobalI32(-7))

	compiled, err := r.CompileModule(ctx, m.Encode())
	require.NoError(t, err)

	require.Len(t, compiled.ImportedFunctions(), 2)
	mod, name, ok := compiled.ImportedFunctions()[0].Import()
	assert.True(t, ok)
	assert.Equal(t, "host", mod)
	assert.Equal(t, "double", name)

	exported := compiled.ExportedFunctions()
	require.Contains(t, exported, "double")
	require.Contains(t, exported, "sub")
	_, _, imported := exported["double"].Import()
	assert.False(t, imported)

	memDef, ok := compiled.ExportedMemories()["memory"]
	require.True(t, ok)
	assert.Equal(t, uint32(2), memDef.Min())
	max, hasMax := memDef.Max()
	assert.True(t, hasMax)
	assert.Equal(t, uint32(4), max)

	inst, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("glue"))
	require.NoError(t, err)

	res, err := inst.ExportedFunction("double").Call(ctx, 21)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), api.DecodeU32(res[0]))

	// Parameter order survives forwarding.
	res, err = inst.ExportedFunction("sub").Call(ctx, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), api.DecodeU32(res[0]))

	assert.Equal(t, int32(-7), api.DecodeI32(inst.ExportedGlobal("answer").Get()))

	mem := inst.ExportedMemory("memory")
	require.NotNil(t, mem)
	assert.Equal(t, uint32(2*65536), mem.Size())
	_, ok = mem.Grow(3)
	assert.False(t, ok)
	_, ok = mem.Grow(2)
	assert.True(t, ok)
}

func TestForwardFuncAfterImportedMemory(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	var called bool
	_, err := r.NewHostModuleBuilder("host").
		NewFunctionBuilder().
		WithFunc(func(context.Context, uint32) { called = true }).
		Export("note").
		Instantiate(ctx)
	require.NoError(t, err)

	var env Module
	env.DefineMemory(Limits{Min: 1})
	env.ExportMemory("memory")
	_, err = r.InstantiateWithConfig(ctx, env.Encode(), wazero.NewModuleConfig().WithName("env"))
	require.NoError(t, err)

	var guest Module
	guest.ImportMemory("env", "memory", Limits{Min: 1})
	guest.ForwardFunc("host", "note", []byte{ValueTypeI32}, nil)
	inst, err := r.InstantiateWithConfig(ctx, guest.Encode(), wazero.NewModuleConfig().WithName("guest"))
	require.NoError(t, err)

	_, err = inst.ExportedFunction("note").Call(ctx, 1)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestImportedMemory(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	var env Module
	env.DefineMemory(Limits{Min: 1})
	env.ExportMemory("memory")
	_, err := r.InstantiateWithConfig(ctx, env.Encode(), wazero.NewModuleConfig().WithName("env"))
	require.NoError(t, err)

	var guest Module
	guest.ImportMemory("env", "memory", Limits{Min: 1})
	guest.ExportMemory("memory")
	inst, err := r.InstantiateWithConfig(ctx, guest.Encode(), wazero.NewModuleConfig().WithName("guest"))
	require.NoError(t, err)

	require.True(t, inst.ExportedMemory("memory").Write(10, []byte("shared")))
	got, ok := r.Module("env").ExportedMemory("memory").Read(10, 6)
	require.True(t, ok)
	assert.Equal(t, "shared", string(got))
}
