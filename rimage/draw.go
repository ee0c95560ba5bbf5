package rimage

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// LabelHeight is the height of the band DrawLabel writes into.
const LabelHeight = 17

// DrawLabel returns a copy of img with text written in white on a dark band along its top edge.
func DrawLabel(img image.Image, text string) *image.NRGBA {
	out := imaging.Clone(img)
	b := out.Bounds()
	band := image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+LabelHeight).Intersect(b)
	draw.Draw(out, band, image.NewUniform(color.NRGBA{0, 0, 0, 255}), image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  out,
		Src:  image.NewUniform(color.NRGBA{255, 255, 255, 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(b.Min.X + 4), Y: fixed.I(b.Min.Y + 13)},
	}
	d.DrawString(text)
	return out
}
