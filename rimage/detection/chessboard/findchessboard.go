package chessboard

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.orion.dev/depth/rimage"
)

// FindChessboard returns the cols x rows inner corners of a chessboard, row major, refined to
// sub-pixel accuracy. Rows run along the board's cols direction. It returns ErrChessboardNotFound
// when no complete grid is visible.
func FindChessboard(img image.Image, cols, rows int, cfg DetectionConfiguration) ([]r2.Point, error) {
	if cols < 2 || rows < 2 {
		return nil, errors.Errorf("board needs at least 2x2 inner corners, got %dx%d", cols, rows)
	}
	gray := rimage.MakeGray(img)
	corners, err := FindCorners(gray, cols, rows, cfg)
	if err != nil {
		return nil, err
	}
	return RefineCorners(gray, corners, cfg.SubPix), nil
}

// FindCorners is FindChessboard without the sub-pixel refinement: corners sit on whole pixels.
func FindCorners(gray *image.Gray, cols, rows int, cfg DetectionConfiguration) ([]r2.Point, error) {
	expected := cols * rows
	candidates, err := GetSaddlePoints(rimage.GrayToFloat(gray), expected, &cfg.Saddle)
	if err != nil {
		return nil, err
	}
	if len(candidates) < expected {
		return nil, errors.Wrapf(ErrChessboardNotFound, "%d saddle points for %d corners", len(candidates), expected)
	}

	seeds := min(cfg.Grid.MaxSeeds, len(candidates))
	var best []r2.Point
	bestScore := 0.
	for seed := 0; seed < seeds; seed++ {
		grid := growGrid(candidates, seed, cfg.Grid.SearchRadius, 4*expected)
		if grid == nil || len(grid.cells) < expected {
			continue
		}
		pts, score, ok := grid.extractBoard(cols, rows)
		if !ok {
			continue
		}
		if best == nil || score > bestScore {
			best, bestScore = pts, score
		}
		if len(grid.cells) == expected {
			// the whole lattice is the board, no other seed can do better
			break
		}
	}
	if best == nil {
		return nil, errors.Wrapf(ErrChessboardNotFound, "no %dx%d grid among %d saddle points", cols, rows, len(candidates))
	}
	return best, nil
}
