// cmd/fetch.go

package main

import (
	"context"
	"os"

	"SecCam/pkg/meta"
	"SecCam/pkg/object"
	"SecCam/pkg/utils"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// fetchSegment copies the recorded bytes of name into dst. Objects are
// page sized, so the copy stops at the size kept by the index when there
// is one.
func fetchSegment(ctx context.Context, m meta.Meta, store object.PageStore, name, dst string, quiet bool) (int64, error) {
	obj, err := store.Head(ctx, name)
	if err != nil {
		return 0, err
	}
	size := obj.Size
	if seg, err := m.GetSegment(name); err == nil {
		if seg.Size < size {
			size = seg.Size
		}
	} else if !errors.Is(err, meta.ErrNotFound) {
		return 0, err
	} else {
		logger.Warnf("%s is not indexed, fetching all %d bytes", name, size)
	}

	r, err := store.ReadRange(ctx, name, 0, size)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	progress, bar := utils.NewBytesProgressBar(name+" ", size, quiet)
	n, err := utils.CopyWithBar(f, r, bar)
	if err != nil {
		bar.Abort(false)
	}
	progress.Wait()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func fetch(c *cli.Context) error {
	setup(c, 3)
	m, err := meta.NewClient(c.Args().Get(0), &meta.Config{Retries: 10, ReadOnly: true})
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
	name, dst := c.Args().Get(1), c.Args().Get(2)
	n, err := fetchSegment(c.Context, m, store, name, dst, c.Bool("quiet"))
	if err != nil {
		return errors.Wrapf(err, "fetch %s", name)
	}
	logger.Infof("Fetched %s into %s (%d bytes)", name, dst, n)
	return nil
}

func fetchFlags() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "download a recorded segment",
		ArgsUsage: "META-URL NAME FILE",
		Action:    fetch,
	}
}
