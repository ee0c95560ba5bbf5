package chessboard

import (
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"go.orion.dev/depth/rimage"
)

// Corner is a saddle point candidate with its saddle score R.
type Corner struct {
	X float64
	Y float64
	R float64
}

// computePixelWiseHessianDeterminant computes hessian components for each pixel and returns a *mat.Dense containing
// the value of the determinant of the Hessian for each pixel.
// The sign and value of the determinant of the Hessian gives location of saddle points.
func computePixelWiseHessianDeterminant(img *mat.Dense) (*mat.Dense, error) {
	nRows, nCols := img.Dims()
	sobelX := rimage.GetSobelX()
	sobelY := rimage.GetSobelY()
	gX, err := rimage.ConvolveGrayFloat64(img, &sobelX)
	if err != nil {
		return nil, err
	}
	gY, err := rimage.ConvolveGrayFloat64(img, &sobelY)
	if err != nil {
		return nil, err
	}
	gXX, err := rimage.ConvolveGrayFloat64(gX, &sobelX)
	if err != nil {
		return nil, err
	}
	gYY, err := rimage.ConvolveGrayFloat64(gY, &sobelY)
	if err != nil {
		return nil, err
	}
	gXY, err := rimage.ConvolveGrayFloat64(gX, &sobelY)
	if err != nil {
		return nil, err
	}
	m1 := mat.NewDense(nRows, nCols, nil)
	m2 := mat.NewDense(nRows, nCols, nil)
	out := mat.NewDense(nRows, nCols, nil)
	m1.MulElem(gXX, gYY)
	m2.MulElem(gXY, gXY)
	out.Sub(m1, m2)
	return out, nil
}

// ComputeSaddleMap returns the saddle score of every pixel: the negated Hessian determinant of the
// blurred image, clipped at zero. Chessboard X-junctions are its strongest peaks.
func ComputeSaddleMap(img *mat.Dense, conf *SaddleConfiguration) (*mat.Dense, error) {
	blurred := img
	if conf.BlurSigma > 0 {
		kernel := rimage.GaussianKernel(conf.BlurSigma)
		var err error
		blurred, err = rimage.ConvolveGrayFloat64(img, &kernel)
		if err != nil {
			return nil, err
		}
	}
	hessian, err := computePixelWiseHessianDeterminant(blurred)
	if err != nil {
		return nil, err
	}
	// saddle points are points where determinant of hessian is <0
	// for better readability, using negative determinant of Hessian
	hessian.Apply(func(r, c int, v float64) float64 {
		if v > 0 {
			return 0.
		}
		return -v
	}, hessian)
	return hessian, nil
}

// NonMaxSuppression keeps the pixels that are the strict maximum of their (2*winSize+1)^2
// neighbourhood, ignoring pixels within margin of the border and scores below minScore. Equal
// neighbours earlier in raster order win.
func NonMaxSuppression(saddleMap *mat.Dense, winSize, margin int, minScore float64) []Corner {
	h, w := saddleMap.Dims()
	var peaks []Corner
	for i := margin; i < h-margin; i++ {
		for j := margin; j < w-margin; j++ {
			v := saddleMap.At(i, j)
			if v <= minScore {
				continue
			}
			if isLocalMax(saddleMap, i, j, winSize) {
				peaks = append(peaks, Corner{X: float64(j), Y: float64(i), R: v})
			}
		}
	}
	return peaks
}

func isLocalMax(m *mat.Dense, i, j, winSize int) bool {
	h, w := m.Dims()
	v := m.At(i, j)
	for di := -winSize; di <= winSize; di++ {
		ii := i + di
		if ii < 0 || ii >= h {
			continue
		}
		for dj := -winSize; dj <= winSize; dj++ {
			jj := j + dj
			if jj < 0 || jj >= w || (di == 0 && dj == 0) {
				continue
			}
			other := m.At(ii, jj)
			if other > v {
				return false
			}
			// raster order tie break
			if other == v && (di < 0 || (di == 0 && dj < 0)) {
				return false
			}
		}
	}
	return true
}

// GetSaddlePoints finds saddle point candidates strong enough to be inner corners of a board with
// expected corners. Outer board corners and edge T-junctions score about a quarter of an inner
// X-junction, so candidates are compared with the median score of the expected strongest ones.
func GetSaddlePoints(img *mat.Dense, expected int, conf *SaddleConfiguration) ([]Corner, error) {
	saddleMap, err := ComputeSaddleMap(img, conf)
	if err != nil {
		return nil, err
	}
	peaks := NonMaxSuppression(saddleMap, conf.NMSWindowSize, conf.BorderMargin, conf.MinResponse)
	if len(peaks) < expected {
		return nil, nil
	}
	sort.SliceStable(peaks, func(a, b int) bool { return peaks[a].R > peaks[b].R })

	scores := make([]float64, expected)
	for i := range scores {
		scores[i] = peaks[i].R
	}
	typical, err := stats.Median(scores)
	if err != nil {
		return nil, err
	}
	threshold := conf.RelativeThreshold * typical
	kept := peaks[:0]
	for _, p := range peaks {
		if p.R >= threshold {
			kept = append(kept, p)
		}
	}
	return kept, nil
}
