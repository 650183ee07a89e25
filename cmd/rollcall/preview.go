package main

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/MrCodeEU/rollcall/pkg/acquisition"
	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

var (
	knownColor   = color.RGBA{G: 255, A: 255}
	unknownColor = color.RGBA{R: 255, A: 255}
)

// preview draws annotated frames in a HighGUI window. Pressing s or q stops the
// session.
type preview struct {
	window *gocv.Window
	stop   func()
}

func newPreview(title string, stop func()) *preview {
	return &preview{window: gocv.NewWindow(title), stop: stop}
}

// Render implements acquisition.Overlay.
func (p *preview) Render(frame camera.Frame, annotations []acquisition.Annotation) {
	mat, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		logging.Component("preview").WithError(err).Debug("Cannot convert frame")
		return
	}
	defer mat.Close()

	for _, a := range annotations {
		c := unknownColor
		if a.Known {
			c = knownColor
		}
		r := image.Rect(a.Box.X, a.Box.Y, a.Box.X+a.Box.Width, a.Box.Y+a.Box.Height)
		gocv.Rectangle(&mat, r, c, 2)
		label := a.Label
		if a.Known {
			label = fmt.Sprintf("%s %.2f", a.Label, a.Distance)
		}
		gocv.PutText(&mat, label, image.Pt(r.Min.X, r.Max.Y+20), gocv.FontHersheySimplex, 0.6, c, 2)
	}

	p.window.IMShow(mat)
	if key := p.window.WaitKey(1); key == 's' || key == 'q' {
		p.stop()
	}
}

func (p *preview) Close() {
	_ = p.window.Close()
}
