// cmd/rm.go

package main

import (
	"context"

	"SecCam/pkg/meta"
	"SecCam/pkg/object"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func rmFlags() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove recorded segments",
		ArgsUsage: "META-URL NAME ...",
		Action:    rm,
	}
}

// removeSegment deletes the object before its index entry, so a failure
// never leaves an unindexed object behind.
func removeSegment(ctx context.Context, m meta.Meta, store object.PageStore, name string) error {
	if err := store.Delete(ctx, name); err != nil && !errors.Is(err, object.ErrNotFound) {
		return errors.Wrap(err, "delete object")
	}
	if err := m.RemoveSegment(name); err != nil && !errors.Is(err, meta.ErrNotFound) {
		return errors.Wrap(err, "remove from index")
	}
	return nil
}

func rm(c *cli.Context) error {
	setup(c, 2)
	m, err := meta.NewClient(c.Args().Get(0), &meta.Config{Retries: 10})
	if err != nil {
		logger.Fatalf("meta: %s", err)
	}
	defer m.Shutdown()
	format, err := m.Load()
	if err != nil {
		logger.Fatalf("load setting: %s", err)
	}
	store, err := createStorage(format)
	if err != nil {
		logger.Fatalf("object storage: %s", err)
	}
	var failed int
	for i := 1; i < c.Args().Len(); i++ {
		name := c.Args().Get(i)
		if err := removeSegment(c.Context, m, store, name); err != nil {
			logger.Errorf("rm %s: %s", name, err)
			failed++
			continue
		}
		logger.Infof("Removed %s", name)
	}
	if failed > 0 {
		return errors.Errorf("%d segments were not removed", failed)
	}
	return nil
}
