package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/weaveforge/weaveforge/internal/buildgraph"
	"github.com/weaveforge/weaveforge/internal/cache"
	"github.com/weaveforge/weaveforge/internal/engine"
	"github.com/weaveforge/weaveforge/internal/env"
	"github.com/weaveforge/weaveforge/internal/executor"
	"github.com/weaveforge/weaveforge/internal/handlers"
	"github.com/weaveforge/weaveforge/internal/hashkey"
	"github.com/weaveforge/weaveforge/internal/trace"
)

// forwardCacheEvents drains coord's observability bus into the trace sink
// for as long as the channel stays open, turning each hit/miss/write/evict
// into a running per-kind counter (coordinator.go's Events doc comment:
// "production wiring forwards these into internal/trace as counter
// events"). The Coordinator never closes its events channel, so this
// goroutine outlives cmdBuild's return and is reclaimed with the process —
// acceptable for a one-shot CLI invocation.
func forwardCacheEvents(coord *cache.Coordinator) {
	counts := map[string]uint64{}
	for ev := range coord.Events() {
		counts[ev.Kind.String()]++
		trace.Counter("cache-"+ev.Kind.String(), 0, map[string]uint64{ev.Target.String(): counts[ev.Kind.String()]})
	}
}

// isTerminal reports whether fd is attached to a TTY, so status output can
// drop ANSI coloring when piped (e.g. into a log file or CI runner),
// mirroring distri's own TTY check before decorating its build status
// line.
func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}

func statusColor(ok bool, tty bool) (prefix, reset string) {
	if !tty {
		return "", ""
	}
	if ok {
		return "\x1b[32m", "\x1b[0m"
	}
	return "\x1b[31m", "\x1b[0m"
}

// newRegistry builds the Handler registry weave ships with. Production
// deployments register additional per-language handlers (compiled
// separately, per spec.md §1's "opaque plugin" model) before calling
// engine.New; weave itself only knows the generic shell handler.
func newRegistry() *executor.Registry {
	reg := executor.NewRegistry()
	reg.Register("shell", handlers.Shell{})
	return reg
}

func openWorkspace() (string, error) {
	if *workspace != "" {
		return *workspace, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return engine.FindWorkspaceRoot(dir)
}

func cmdBuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	fset.Parse(args)

	root, err := openWorkspace()
	if err != nil {
		return err
	}
	resolved, err := engine.BuildTargetGraph(root)
	if err != nil {
		return err
	}

	coord, err := cache.NewCoordinator(env.CachePath)
	if err != nil {
		return err
	}
	defer coord.Close()
	go forwardCacheEvents(coord)

	bg := buildgraph.New()
	reg := newRegistry()
	hasher := hashkey.New(1024)
	ex := executor.New(reg, coord, hasher, root, bg)

	eng, err := engine.New(resolved, ex, coord, resolveWorkers())
	if err != nil {
		return err
	}
	eng.FailFast = *failFast

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	tty := isTerminal(os.Stdout.Fd())
	failed := 0
	for r := range eng.Results() {
		status := "ok"
		ok := r.Err == nil
		if !ok {
			status = "FAIL: " + r.Err.Error()
			failed++
		}
		prefix, reset := statusColor(ok, tty)
		fmt.Fprintf(os.Stdout, "%s%s\t%s%s\n", prefix, r.Target, status, reset)
	}

	if err := <-done; err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d target(s) failed", failed)
	}
	return nil
}
