package render

import (
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DrawLabel writes text in the top-left corner on a translucent backdrop.
func DrawLabel(dst draw.Image, text string) {
	if dst == nil || strings.TrimSpace(text) == "" {
		return
	}
	b := dst.Bounds()
	face := basicfont.Face7x13
	pad := 4
	textCol := image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255})
	shadowCol := image.NewUniform(color.RGBA{R: 0, G: 0, B: 0, A: 180})
	dr := &font.Drawer{Dst: dst, Src: textCol, Face: face}
	tw := dr.MeasureString(text).Ceil()
	x := b.Min.X + 8
	y := b.Min.Y + 8 + face.Metrics().Ascent.Ceil()

	bg := image.NewUniform(color.RGBA{R: 0, G: 0, B: 0, A: 160})
	rect := image.Rect(x-pad, y-face.Metrics().Ascent.Ceil()-pad, x+tw+pad, y+face.Metrics().Descent.Ceil()+pad)
	draw.Draw(dst, rect, bg, image.Point{}, draw.Over)

	shadow := &font.Drawer{Dst: dst, Src: shadowCol, Face: face, Dot: fixed.Point26_6{X: fixed.I(x + 1), Y: fixed.I(y + 1)}}
	shadow.DrawString(text)
	dr.Dot = fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)}
	dr.DrawString(text)
}
