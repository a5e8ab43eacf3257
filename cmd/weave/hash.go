package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/engine"
	"github.com/weaveforge/weaveforge/internal/hashkey"
)

// cmdHash prints a target's content-addressed input digest without
// building it, mirroring the digest distri's build.Ctx.Digest() computes
// from a package's sources.
func cmdHash(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("hash", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("usage: weave hash //path:name")
	}

	id, err := weaveforge.ParseTargetID(fset.Arg(0), "")
	if err != nil {
		return err
	}

	root, err := openWorkspace()
	if err != nil {
		return err
	}
	resolved, err := engine.BuildTargetGraph(root)
	if err != nil {
		return err
	}
	rt, ok := resolved[id]
	if !ok {
		return xerrors.Errorf("unknown target %s", id)
	}

	sources := make([]string, len(rt.Sources))
	for i, s := range rt.Sources {
		sources[i] = filepath.Join(root, s)
	}
	sort.Strings(sources)

	hasher := hashkey.New(0)
	digest, err := hasher.HashFiles(sources)
	if err != nil {
		return err
	}
	fmt.Println(digest)
	return nil
}
