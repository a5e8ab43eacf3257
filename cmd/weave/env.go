package main

import (
	"context"
	"fmt"

	"github.com/weaveforge/weaveforge/internal/env"
)

// cmdEnv prints the resolved workspace, cache, and worker configuration,
// useful for debugging WEAVEROOT/WEAVE_CACHE/WEAVE_JOBS overrides.
func cmdEnv(ctx context.Context, args []string) error {
	root, err := openWorkspace()
	if err != nil {
		root = env.WorkspaceRoot + " (no Builderspace found; showing default)"
	}
	fmt.Printf("WORKSPACE=%s\n", root)
	fmt.Printf("WEAVE_CACHE=%s\n", env.CachePath)
	fmt.Printf("WEAVE_JOBS=%d\n", resolveWorkers())
	return nil
}
