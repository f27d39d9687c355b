package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unsafe"

	"github.com/caffeineduck/ffiutil/bridge"
	"github.com/caffeineduck/ffiutil/buffer"
	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/caffeineduck/ffiutil/internal/config"
	"github.com/caffeineduck/ffiutil/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Self-check the boundary layer",
	Long: `Run every boundary path against an in-process address space and report
whether it behaves as a foreign caller expects: marshaling, text validation,
fault containment, exactly-once callbacks and cancellation on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().Bool("metrics", false, "Print collected metrics after the checks")
	probeCmd.Flags().Duration("timeout", 5*time.Second, "Time limit for each async check")
	rootCmd.AddCommand(probeCmd)
}

type probe struct {
	lib     *bridge.Library
	space   *buffer.HeapSpace
	timeout time.Duration
}

type check struct {
	name string
	run  func(p *probe) error
}

var checks = []check{
	{"marshal round trip", checkRoundTrip},
	{"invalid text rejected", checkInvalidText},
	{"double release detected", checkDoubleRelease},
	{"panic contained", checkPanic},
	{"async delivered once", checkAsync},
	{"unknown handle rejected", checkUnknownHandle},
	{"shutdown cancels pending", checkShutdown},
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	showMetrics, _ := cmd.Flags().GetBool("metrics")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	reg := prometheus.NewRegistry()
	out := cmd.OutOrStdout()

	failed := 0
	for _, c := range checks {
		err := runCheck(cfg, log, reg, timeout, c)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %-26s %v\n", c.name, err)
			continue
		}
		fmt.Fprintf(out, "ok    %s\n", c.name)
	}

	if showMetrics {
		if err := writeMetrics(out, reg); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	return nil
}

// runCheck gives each check a fresh library so checks cannot leak into
// one another.
func runCheck(cfg *config.Config, log *zap.Logger, reg prometheus.Registerer, timeout time.Duration, c check) error {
	space := buffer.NewHeapSpace()
	lib, err := bridge.New(space,
		bridge.WithConfig(cfg),
		bridge.WithLogger(log.With(zap.String("check", c.name))),
		bridge.WithRegisterer(reg))
	if err != nil {
		return err
	}

	p := &probe{lib: lib, space: space, timeout: timeout}
	err = c.run(p)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if serr := lib.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	return err
}

func expectCode(got ffierr.Value, want ffierr.Code) error {
	if got.Code != want {
		return fmt.Errorf("got %s, want %s", got, want)
	}
	return nil
}

func checkRoundTrip(p *probe) error {
	want := []byte("boundary \x00 bytes")
	var out buffer.Buffer
	v := p.lib.CallBytes("probe.echo", &out, func() ([]byte, error) {
		return want, nil
	})
	if err := expectCode(v, ffierr.CodeSuccess); err != nil {
		return err
	}
	got, v := p.lib.Input(out)
	if err := expectCode(v, ffierr.CodeSuccess); err != nil {
		return err
	}
	if string(got) != string(want) {
		return fmt.Errorf("got %q, want %q", got, want)
	}
	return expectCode(p.lib.Release(out), ffierr.CodeSuccess)
}

func checkInvalidText(p *probe) error {
	in := p.space.Lend([]byte{'o', 'k', 0xff, 0xfe})
	defer p.space.Reclaim(in)

	_, v := p.lib.Text(in)
	return expectCode(v, ffierr.CodeInvalidText)
}

func checkDoubleRelease(p *probe) error {
	buf, v := p.lib.Describe(ffierr.ValueOf(ffierr.CodeCancelled))
	if err := expectCode(v, ffierr.CodeSuccess); err != nil {
		return err
	}
	if err := expectCode(p.lib.Release(buf), ffierr.CodeSuccess); err != nil {
		return err
	}
	return expectCode(p.lib.Release(buf), ffierr.CodeDoubleRelease)
}

func checkPanic(p *probe) error {
	v := p.lib.Call("probe.panic", func() error {
		var m map[string]int
		m["boom"]++
		return nil
	})
	return expectCode(v, ffierr.CodeInternalFault)
}

// delivery is what a probe callback observed.
type delivery struct {
	handle registry.Handle
	result registry.Result
}

func channelCallback(ch chan delivery) registry.Callback {
	return registry.Callback{Fn: func(_ unsafe.Pointer, h registry.Handle, res registry.Result) {
		ch <- delivery{handle: h, result: res}
	}}
}

func checkAsync(p *probe) error {
	ch := make(chan delivery, 2)
	h, v := p.lib.CallAsync("probe.async", channelCallback(ch), func(context.Context) ([]byte, error) {
		return []byte("async"), nil
	})
	if err := expectCode(v, ffierr.CodeSuccess); err != nil {
		return err
	}

	var d delivery
	select {
	case d = <-ch:
	case <-time.After(p.timeout):
		return errors.New("callback never invoked")
	}
	if d.handle != h {
		return fmt.Errorf("callback for handle %d, want %d", d.handle, h)
	}
	if err := expectCode(d.result.Status, ffierr.CodeSuccess); err != nil {
		return err
	}
	if err := expectCode(p.lib.Release(d.result.Data), ffierr.CodeSuccess); err != nil {
		return err
	}

	err := p.lib.Registry().Fire(h, registry.Result{})
	if err := expectCode(ffierr.ToValue(err), ffierr.CodeDoubleFire); err != nil {
		return err
	}
	if len(ch) != 0 {
		return errors.New("callback invoked twice")
	}
	return nil
}

func checkUnknownHandle(p *probe) error {
	err := p.lib.Registry().Fire(0, registry.Result{})
	return expectCode(ffierr.ToValue(err), ffierr.CodeUnknownHandle)
}

func checkShutdown(p *probe) error {
	ch := make(chan delivery, 1)
	started := make(chan struct{})
	_, v := p.lib.CallAsync("probe.wait", channelCallback(ch), func(ctx context.Context) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err := expectCode(v, ffierr.CodeSuccess); err != nil {
		return err
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.lib.Shutdown(ctx); err != nil {
		return err
	}

	select {
	case d := <-ch:
		return expectCode(d.result.Status, ffierr.CodeCancelled)
	default:
		return errors.New("pending callback not cancelled")
	}
}

func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
