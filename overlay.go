package framewalk

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// overlayPalette cycles across elements so adjacent boxes stay visually
// distinct.
var overlayPalette = []color.RGBA{
	{R: 0xe6, G: 0x3b, B: 0x2e, A: 0xff},
	{R: 0x2e, G: 0x7d, B: 0xe6, A: 0xff},
	{R: 0x2e, G: 0xb8, B: 0x5c, A: 0xff},
	{R: 0xe6, G: 0xa8, B: 0x17, A: 0xff},
	{R: 0x8e, G: 0x44, B: 0xad, A: 0xff},
	{R: 0x16, G: 0xa0, B: 0x85, A: 0xff},
}

const overlayBorder = 2

// drawOverlay decodes a viewport screenshot, draws one colored rectangle
// per element with a label carrying its encoded id, and re-encodes PNG.
// Boxes fully outside the viewport are dropped.
func drawOverlay(screenshot []byte, boxes map[EncodedID]Rect) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(screenshot))
	if err != nil {
		return nil, err
	}
	bounds := src.Bounds()
	img := image.NewRGBA(bounds)
	draw.Draw(img, bounds, src, bounds.Min, draw.Src)

	ids := make([]EncodedID, 0, len(boxes))
	for id := range boxes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i, id := range ids {
		r := boxes[id]
		rect := image.Rect(int(r.X), int(r.Y), int(r.X+r.Width), int(r.Y+r.Height))
		if !rect.Overlaps(bounds) {
			continue
		}
		col := overlayPalette[i%len(overlayPalette)]
		drawBorder(img, rect.Intersect(bounds), col)
		drawLabel(img, bounds, rect, string(id), col)
	}

	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func drawBorder(img *image.RGBA, r image.Rectangle, col color.RGBA) {
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+overlayBorder),
		image.Rect(r.Min.X, r.Max.Y-overlayBorder, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+overlayBorder, r.Max.Y),
		image.Rect(r.Max.X-overlayBorder, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e, &image.Uniform{C: col}, image.Point{}, draw.Src)
	}
}

// drawLabel writes the encoded id on a solid background just above the
// box, or inside its top edge when the box touches the top of the
// viewport.
func drawLabel(img *image.RGBA, bounds, box image.Rectangle, label string, col color.RGBA) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, label).Ceil() + 4
	h := face.Metrics().Height.Ceil() + 2

	x := box.Min.X
	y := box.Min.Y - h
	if y < bounds.Min.Y {
		y = box.Min.Y
	}
	if x+w > bounds.Max.X {
		x = bounds.Max.X - w
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}
	bg := image.Rect(x, y, x+w, y+h).Intersect(bounds)
	draw.Draw(img, bg, &image.Uniform{C: col}, image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(x + 2),
			Y: fixed.I(y + face.Metrics().Ascent.Ceil()),
		},
	}
	d.DrawString(label)
}
