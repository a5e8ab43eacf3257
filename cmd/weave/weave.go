// Command weave is the CLI entrypoint for the build engine: it parses a
// workspace, drives every target through the scheduler and executor, and
// reports a final pass/fail summary (spec.md §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/env"
	internaltrace "github.com/weaveforge/weaveforge/internal/trace"
)

var (
	debug      = flag.Bool("debug", false, "format error messages with additional detail")
	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
	workspace  = flag.String("workspace", "", "workspace root (defaults to the nearest ancestor directory containing Builderspace)")
	workers    = flag.Int("workers", 0, "worker pool size (defaults to the CPU count, overridable via WEAVE_JOBS)")
	failFast   = flag.Bool("fail_fast", false, "stop scheduling new work after the first failure")
)

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

func funcmain() error {
	flag.Parse()

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		internaltrace.Sink(f)
	}

	verbs := map[string]cmd{
		"build": {cmdBuild},
		"hash":  {cmdHash},
		"gc":    {cmdGC},
		"env":   {cmdEnv},
	}

	args := flag.Args()
	verb := "build"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		fmt.Fprintf(os.Stderr, "weave [-flags] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tbuild  - build every target in the workspace (default)\n")
		fmt.Fprintf(os.Stderr, "\thash   - print a target's content-addressed input digest without building it\n")
		fmt.Fprintf(os.Stderr, "\tgc     - garbage-collect cache entries by age and/or total size\n")
		fmt.Fprintf(os.Stderr, "\tenv    - print the resolved workspace, cache, and worker configuration\n")
		os.Exit(2)
	}

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\nsyntax: weave <command> [options]\n", verb)
		os.Exit(2)
	}

	ctx, canc := weaveforge.InterruptibleContext()
	defer canc()
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

func resolveWorkers() int {
	if *workers > 0 {
		return *workers
	}
	return env.Workers(runtime.NumCPU())
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
