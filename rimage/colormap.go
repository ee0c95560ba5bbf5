package rimage

import (
	"image/color"
	"math"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// Colormap maps an 8 bit intensity to a color.
type Colormap struct {
	name  string
	table [256]color.NRGBA
}

// Name returns the colormap identifier.
func (cm *Colormap) Name() string {
	return cm.name
}

// At returns the color for intensity v.
func (cm *Colormap) At(v uint8) color.NRGBA {
	return cm.table[v]
}

var (
	// ColormapGray renders intensities as shades of gray.
	ColormapGray = newColormap("gray", func(t float64) colorful.Color {
		return colorful.Color{R: t, G: t, B: t}
	})
	// ColormapJet is the classic blue to red rainbow.
	ColormapJet = newColormap("jet", jet)
	// ColormapMagma is the perceptually uniform black, purple, orange, white ramp.
	ColormapMagma = newColormap("magma", magma)
)

// ColormapByName looks up gray, jet or magma.
func ColormapByName(name string) (*Colormap, error) {
	switch strings.ToLower(name) {
	case "gray", "grey":
		return ColormapGray, nil
	case "jet":
		return ColormapJet, nil
	case "magma":
		return ColormapMagma, nil
	default:
		return nil, errors.Errorf("unknown colormap %q", name)
	}
}

func newColormap(name string, f func(t float64) colorful.Color) *Colormap {
	cm := &Colormap{name: name}
	for i := 0; i < 256; i++ {
		r, g, b := f(float64(i) / 255).Clamped().RGB255()
		cm.table[i] = color.NRGBA{r, g, b, 255}
	}
	return cm
}

func jet(t float64) colorful.Color {
	channel := func(offset float64) float64 {
		return math.Max(0, math.Min(1, 1.5-math.Abs(4*t-offset)))
	}
	return colorful.Color{R: channel(3), G: channel(2), B: channel(1)}
}

// magmaStops are evenly spaced samples of the magma ramp.
var magmaStops = mustParseHex(
	"#000004", "#1c1044", "#4f127b", "#812581", "#b5367a",
	"#e55064", "#fb8761", "#fec287", "#fcfdbf",
)

func magma(t float64) colorful.Color {
	segments := float64(len(magmaStops) - 1)
	pos := t * segments
	i := int(math.Floor(pos))
	if i >= len(magmaStops)-1 {
		return magmaStops[len(magmaStops)-1]
	}
	return magmaStops[i].BlendLab(magmaStops[i+1], pos-float64(i))
}

func mustParseHex(hexes ...string) []colorful.Color {
	out := make([]colorful.Color, 0, len(hexes))
	for _, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			panic(err)
		}
		out = append(out, c)
	}
	return out
}
