// Package utils contains small helpers shared by the image, calibration and disparity packages.
package utils

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// ParallelForEachRow splits [0, height) into contiguous bands, one per worker, and calls f for
// every row. Rows of a band are visited in order. f must only write state owned by its row.
func ParallelForEachRow(height int, f func(y int)) {
	//nolint:errcheck
	_ = ParallelForEachRowErr(context.Background(), height, func(y int) error {
		f(y)
		return nil
	})
}

// ParallelForEachRowErr is ParallelForEachRow where f can fail. The first error stops the
// remaining bands at their next row and is returned.
func ParallelForEachRowErr(ctx context.Context, height int, f func(y int) error) error {
	if height <= 0 {
		return nil
	}
	workers := ParallelFactor
	if workers > height {
		workers = height
	}
	band := (height + workers - 1) / workers

	group, ctx := errgroup.WithContext(ctx)
	for start := 0; start < height; start += band {
		from, to := start, start+band
		if to > height {
			to = height
		}
		group.Go(func() error {
			for y := from; y < to; y++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := f(y); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return group.Wait()
}
