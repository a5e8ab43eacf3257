package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/weaveforge/weaveforge/internal/cache"
	"github.com/weaveforge/weaveforge/internal/env"
)

// cmdGC wraps Coordinator.GC, the cache-space-discipline surface distri
// itself leaves implicit in its squashfs/mirror tooling.
func cmdGC(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("gc", flag.ExitOnError)
	maxAge := fset.Duration("max_age", 30*24*time.Hour, "remove cache entries older than this")
	maxSize := fset.Int64("max_size", 0, "if set, evict oldest entries until the cache is under this many bytes")
	hybrid := fset.Bool("hybrid", false, "apply both max_age and max_size")
	fset.Parse(args)

	coord, err := cache.NewCoordinator(env.CachePath)
	if err != nil {
		return err
	}
	defer coord.Close()

	policy := cache.GCPolicy{MaxAge: *maxAge}
	switch {
	case *hybrid:
		policy.Kind = cache.GCHybrid
		policy.MaxSize = *maxSize
	case *maxSize > 0:
		policy.Kind = cache.GCLRUBySize
		policy.MaxSize = *maxSize
	default:
		policy.Kind = cache.GCAgeBased
	}

	result, err := coord.GC(policy)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d entries, freed %d bytes\n", result.EntriesRemoved, result.BytesFreed)
	return nil
}
