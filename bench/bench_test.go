// Package bench measures policy load and evaluation costs.
//
// Run with: go test -v -run=Test ./bench/
// Benchmarks: go test -bench=. -benchtime=3x ./bench/
package bench

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/caffeineduck/opawasm/policy"
	"github.com/caffeineduck/opawasm/policy/policytest"
)

// The fake guest stands in for a compiled policy so these numbers isolate the
// host side: instantiation, JSON marshaling across linear memory, and the
// builtin dispatch path.

func benchGuest(opts ...policytest.Option) *policytest.Guest {
	opts = append([]policytest.Option{policytest.WithBuiltins("sprintf")}, opts...)
	return policytest.New([]policytest.Rule{
		{Name: "bench/allow", Eval: func(c *policytest.Call) (any, error) {
			in, _ := c.Input.(map[string]any)
			data, _ := c.Data.(map[string]any)
			admins, _ := data["admins"].([]any)
			for _, a := range admins {
				if a == in["user"] {
					return true, nil
				}
			}
			return false, nil
		}},
		{Name: "bench/builtin", Eval: func(c *policytest.Call) (any, error) {
			return c.Builtin("sprintf", "%s:%d", []any{"user", 1})
		}},
	}, opts...)
}

var benchData = map[string]any{"admins": []string{"alice", "bob", "carol"}}
var benchInput = map[string]any{"user": "carol", "action": "read"}

func loadBench(b testing.TB, engine *policy.Engine, g *policytest.Guest) *policy.Policy {
	p, err := engine.LoadPolicy(context.Background(), g.Wasm(), policy.WithHostModules(g.Setup))
	if err != nil {
		b.Fatal(err)
	}
	if err := p.SetData(context.Background(), benchData); err != nil {
		b.Fatal(err)
	}
	return p
}

// --- Cold start (new engine each time) ---

func BenchmarkPolicy_ColdStart(b *testing.B) {
	g := benchGuest()
	for i := 0; i < b.N; i++ {
		engine, _ := policy.New(nil)
		p := loadBench(b, engine, g)
		p.Evaluate(context.Background(), benchInput)
		engine.Close()
	}
}

// --- Load (shared engine, module compiled once) ---

func BenchmarkPolicy_Load(b *testing.B) {
	g := benchGuest()
	engine, _ := policy.New(nil)
	defer engine.Close()

	module, err := engine.Compile(context.Background(), g.Wasm())
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p, err := engine.LoadModule(context.Background(), module, policy.WithHostModules(g.Setup))
		if err != nil {
			b.Fatal(err)
		}
		p.Close(context.Background())
	}
}

// --- Warm evaluation (reuse policy) ---

func BenchmarkPolicy_Evaluate_OneShot(b *testing.B) {
	engine, _ := policy.New(nil)
	defer engine.Close()
	p := loadBench(b, engine, benchGuest())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Evaluate(context.Background(), benchInput)
	}
}

func BenchmarkPolicy_Evaluate_Context(b *testing.B) {
	engine, _ := policy.New(nil)
	defer engine.Close()
	p := loadBench(b, engine, benchGuest(policytest.WithABIMinorVersion(1)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Evaluate(context.Background(), benchInput)
	}
}

func BenchmarkPolicy_Evaluate_Builtin(b *testing.B) {
	engine, _ := policy.New(nil)
	defer engine.Close()
	p := loadBench(b, engine, benchGuest())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Evaluate(context.Background(), nil, policy.WithEntrypoint("bench/builtin"))
	}
}

func BenchmarkPolicy_SetData(b *testing.B) {
	engine, _ := policy.New(nil)
	defer engine.Close()
	p := loadBench(b, engine, benchGuest())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.SetData(context.Background(), benchData)
	}
}

// =============================================================================
// COMPARISON TEST - Human readable output
// =============================================================================

func TestEvaluationPaths(t *testing.T) {
	fmt.Println()
	fmt.Println("=== opawasm evaluation paths ===")
	fmt.Printf("Platform: %s/%s, CPUs: %d\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	fmt.Println()

	measure := func(runs int, fn func()) time.Duration {
		var total time.Duration
		for i := 0; i < runs; i++ {
			start := time.Now()
			fn()
			total += time.Since(start)
		}
		return total / time.Duration(runs)
	}

	runs := 200
	paths := []struct {
		name string
		opts []policytest.Option
	}{
		{"one-shot (ABI 1.2)", nil},
		{"eval context (ABI 1.1)", []policytest.Option{policytest.WithABIMinorVersion(1)}},
	}

	engine, err := policy.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()

	for _, path := range paths {
		p := loadBench(t, engine, benchGuest(path.opts...))

		start := time.Now()
		if _, err := p.Evaluate(context.Background(), benchInput); err != nil {
			t.Fatal(err)
		}
		first := time.Since(start)

		warm := measure(runs, func() {
			p.Evaluate(context.Background(), benchInput)
		})
		p.Close(context.Background())

		fmt.Printf("%-24s first %-10s warm %s\n", path.name, formatDuration(first), formatDuration(warm))
	}
	fmt.Println()

	t.Log("Benchmark complete - see stdout for results")
}

func formatDuration(d time.Duration) string {
	if d >= time.Millisecond {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%dµs", d.Microseconds())
}

// =============================================================================
// MEMORY BENCHMARK
// =============================================================================

func TestMemoryUsage(t *testing.T) {
	var m runtime.MemStats

	runtime.GC()
	runtime.ReadMemStats(&m)
	before := m.Alloc

	engine, _ := policy.New(nil)
	p := loadBench(t, engine, benchGuest())

	for i := 0; i < 100; i++ {
		p.Evaluate(context.Background(), benchInput)
	}

	runtime.ReadMemStats(&m)
	after := m.Alloc
	pages := p.MemoryPages()

	engine.Close()

	runtime.GC()
	runtime.ReadMemStats(&m)
	afterGC := m.Alloc

	t.Logf("Memory before: %d KB", before/1024)
	t.Logf("Memory after 100 evaluations: %d KB (guest %d pages)", after/1024, pages)
	t.Logf("Memory after GC: %d KB", afterGC/1024)
}

// =============================================================================
// DISK CACHE BENCHMARK (simulates CLI usage)
// =============================================================================

func TestDiskCacheBenefit(t *testing.T) {
	cacheDir, _ := os.MkdirTemp("", "opawasm-bench-cache")
	defer os.RemoveAll(cacheDir)

	g := benchGuest()
	var times []time.Duration

	// Simulate 5 separate CLI invocations (each creates new engine)
	for i := 0; i < 5; i++ {
		start := time.Now()

		engine, _ := policy.New(nil, policy.WithDiskCache(cacheDir))
		p := loadBench(t, engine, g)
		p.Evaluate(context.Background(), benchInput)
		engine.Close()

		times = append(times, time.Since(start))
	}

	fmt.Println()
	fmt.Println("=== Disk Cache Benefit (simulated CLI calls) ===")
	for i, d := range times {
		label := "cached"
		if i == 0 {
			label = "compile"
		}
		fmt.Printf("Call %d (%s): %v\n", i+1, label, d)
	}
	fmt.Printf("Speedup: %.1fx faster after first call\n", float64(times[0])/float64(times[1]))
	fmt.Println()

	t.Log("Disk cache test complete")
}
