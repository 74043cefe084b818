package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-sandbox/artifact"
	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/pool"
	"github.com/wippyai/wasm-sandbox/runtime"
)

func main() {
	var (
		wasmFile    = flag.String("wasm", "", "Path to a core wasm module")
		configFile  = flag.String("config", "", "YAML configuration file")
		engineName  = flag.String("engine", "", "Engine: interpreter, compiler (engine-a) or jit (engine-b)")
		heapPages   = flag.Uint("heap-pages", 0, "Linear memory ceiling in 64 KiB pages")
		policy      = flag.String("policy", "", "Instance reuse policy: recreate, reset or pool")
		funcName    = flag.String("func", "", "Function to call (optional)")
		args        = flag.String("args", "", "Comma separated arguments")
		allowMiss   = flag.Bool("allow-missing", false, "Bind missing imports to trapping stubs")
		list        = flag.Bool("list", false, "List exported functions and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		verbose     = flag.Bool("v", false, "Log lifecycle events")
	)
	flag.Parse()

	if *wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -wasm <file.wasm> [-config sandbox.yaml] [-func name] [-args 1,2]")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *engineName != "" {
		cfg.Engine = *engineName
	}
	if *heapPages != 0 {
		cfg.HeapPages = uint32(*heapPages)
	}
	if *policy != "" {
		cfg.InstanceReusePolicy = pool.Policy(*policy)
	}
	if *allowMiss {
		cfg.AllowMissingImports = true
	}

	logger := zap.NewNop()
	if *verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		engine.SetLogger(logger)
	}
	defer logger.Sync() //nolint:errcheck

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(cfg, logger, *wasmFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger, *wasmFile, *funcName, *args, *list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// load creates a runtime for cfg and compiles the module at path.
func load(ctx context.Context, cfg config.Config, logger *zap.Logger, path string) (*runtime.Runtime, artifact.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}

	rt, err := runtime.New(cfg, runtime.WithLogger(logger), runtime.WithObserver(runtime.LogObserver(logger)))
	if err != nil {
		return nil, "", fmt.Errorf("create runtime: %w", err)
	}
	id, err := rt.Compile(ctx, data)
	if err != nil {
		rt.Close(ctx)
		return nil, "", err
	}
	return rt, id, nil
}

func run(cfg config.Config, logger *zap.Logger, wasmFile, funcName, argStr string, listOnly bool) error {
	ctx := context.Background()

	rt, id, err := load(ctx, cfg, logger, wasmFile)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	exports, err := rt.Exports(id)
	if err != nil {
		return err
	}

	fmt.Printf("Module: %s\n", wasmFile)
	fmt.Printf("Identity: %s\n", id)
	fmt.Printf("Engine: %s (policy %s, heap pages %d)\n", rt.Engine(), rt.Policy(), rt.Config().HeapPages)
	fmt.Printf("\nExported functions:\n")
	for _, e := range exports {
		fmt.Printf("  %s%s\n", e.Name, e.Signature)
	}

	if listOnly || funcName == "" {
		return nil
	}

	var sig engine.Signature
	found := false
	for _, e := range exports {
		if e.Name == funcName {
			sig, found = e.Signature, true
			break
		}
	}
	if !found {
		return fmt.Errorf("function %q is not exported", funcName)
	}

	var fields []string
	if strings.TrimSpace(argStr) != "" {
		fields = strings.Split(argStr, ",")
	}
	if len(fields) != len(sig.Params) {
		return fmt.Errorf("%s takes %d arguments, got %d", funcName, len(sig.Params), len(fields))
	}
	args := make([]uint64, len(fields))
	for i, f := range fields {
		if args[i], err = engine.ParseValue(f, sig.Params[i]); err != nil {
			return err
		}
	}

	out, err := rt.Call(ctx, id, funcName, args, 0)
	if err != nil {
		return err
	}
	fmt.Printf("\n%s\n", formatResults(out, sig.Results))
	return nil
}

func formatResults(out []uint64, types []engine.ValueType) string {
	if len(out) == 0 {
		return "()"
	}
	parts := make([]string, len(out))
	for i, v := range out {
		parts[i] = engine.FormatValue(v, types[i])
	}
	return strings.Join(parts, ", ")
}
