package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/caffeineduck/ffiutil/wasmabi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var wasmCmd = &cobra.Command{
	Use:   "wasm <file.wasm>",
	Short: "Run a WebAssembly guest against the ffiutil host module",
	Long: `Instantiate a guest module with WASI and the "ffiutil" host module, call
its entry function and report the returned code.

Built-in host exports available to the guest:
  echo   returns its input unchanged
  upper  returns its input upper-cased

Buffers the guest receives must be handed back to ffiutil.buffer_release;
anything left over is reported as a leak.`,
	Args: cobra.ExactArgs(1),
	RunE: runWasm,
}

func init() {
	wasmCmd.Flags().StringP("entry", "e", "_start", "Exported function to call")
	wasmCmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout")
	wasmCmd.Flags().Uint32("arena-pages", 0, "Arena size in 64KiB pages (default from config)")
	wasmCmd.Flags().Uint32("memory-pages", 0, "Guest memory limit in 64KiB pages (default from config)")
	wasmCmd.Flags().String("cache-dir", "", "Compilation cache directory (default from config)")
	rootCmd.AddCommand(wasmCmd)
}

func builtinExports() map[string]wasmabi.HostFunc {
	return map[string]wasmabi.HostFunc{
		"echo": func(_ context.Context, in []byte) ([]byte, error) {
			return in, nil
		},
		"upper": func(_ context.Context, in []byte) ([]byte, error) {
			return bytes.ToUpper(in), nil
		},
	}
}

func runWasm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("arena-pages") {
		cfg.Wasm.ArenaPages, _ = flags.GetUint32("arena-pages")
	}
	if flags.Changed("memory-pages") {
		cfg.Wasm.MemoryPages, _ = flags.GetUint32("memory-pages")
	}
	if flags.Changed("cache-dir") {
		cfg.Wasm.CacheDir, _ = flags.GetString("cache-dir")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	path := args[0]
	wasm, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	host := wasmabi.NewHost(
		wasmabi.WithConfig(cfg),
		wasmabi.WithLogger(log),
		wasmabi.WithRegisterer(prometheus.NewRegistry()))
	for name, fn := range builtinExports() {
		if err := host.Export(name, fn); err != nil {
			return err
		}
	}

	timeout, _ := flags.GetDuration("timeout")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runner, err := wasmabi.NewRunner(ctx, host, wasmabi.WithTimeout(timeout))
	if err != nil {
		return err
	}
	defer runner.Close()

	entry, _ := flags.GetString("entry")
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	res := runner.Run(ctx, name, wasm, entry)

	out := cmd.OutOrStdout()
	fmt.Fprint(out, res.Output)
	fmt.Fprintf(out, "code: %d (%s) in %v\n", int32(res.Code), res.Code, res.Duration.Round(time.Microsecond))

	if res.Error != nil {
		return res.Error
	}
	if res.Code != ffierr.CodeSuccess {
		return fmt.Errorf("guest returned %s", res.Code)
	}
	return nil
}
