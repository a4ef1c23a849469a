// Copyright 2025 Gustavo C. Viegas. All rights reserved.

// Scanout-demo presents a moving test pattern directly to a
// display output, bypassing any window system.
// With -output=list it prints every connector and exits.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"scanout/driver/kms"
	"scanout/driver/vk"
	"scanout/evloop"
)

var (
	output   = flag.String("output", "", `output selector: "" for the first connected output, a connector name (e.g. HDMI-A-1), or "list"`)
	duration = flag.Duration("duration", 5*time.Second, "how long to present")
	checkVK  = flag.Bool("vk", false, "also probe for a usable Vulkan render surface")
)

func main() {
	log.SetFlags(0)
	flag.Parse()

	loop, err := evloop.New()
	if err != nil {
		log.Fatalf("scanout-demo: %v", err)
	}
	defer loop.Close()

	d, err := kms.CreateDisplay(kms.OpenDevice, *output)
	if err != nil {
		var le *kms.ListError
		if errors.As(err, &le) {
			for _, o := range le.Outputs {
				fmt.Printf("%s (connected: %t)\n", o.Name, o.Connected)
			}
			os.Exit(0)
		}
		log.Fatalf("scanout-demo: %v", err)
	}
	defer d.Close()

	if *checkVK {
		if s, err := vk.New(640, 480); err != nil {
			log.Printf("scanout-demo: vulkan surface unavailable: %v", err)
		} else {
			log.Printf("scanout-demo: vulkan surface available")
			s.Close()
		}
	}

	if err := d.RegisterFlipHandler(loop); err != nil {
		log.Fatalf("scanout-demo: %v", err)
	}

	width, height := d.Size()
	log.Printf("scanout-demo: presenting %dx%d for %v", width, height, *duration)

	frame := 0
	var present func()
	present = func() {
		if !d.IsReadyToPresent() {
			return
		}
		drawFrame(d.Buffer(), frame)
		frame++
		if err := d.PresentWithCallback(present); err != nil {
			log.Printf("[!] scanout-demo: present: %v", err)
			loop.Quit()
		}
	}
	loop.Post(present)

	stop, err := loop.NewTimer(loop.Quit)
	if err != nil {
		log.Fatalf("scanout-demo: %v", err)
	}
	defer stop.Close()
	stop.Start(*duration, 0)

	if err := loop.Run(); err != nil {
		log.Fatalf("scanout-demo: %v", err)
	}
	log.Printf("scanout-demo: presented %d frames", frame)
}

// drawFrame fills the back buffer with a scrolling gradient and a
// frame counter.
func drawFrame(b *kms.Buffer, frame int) {
	for y := 0; y < b.Height; y++ {
		row := b.Pix[y*b.Pitch:]
		for x := 0; x < b.Width; x++ {
			o := x * 4
			row[o+0] = byte(y + frame) // B
			row[o+1] = byte(x + frame) // G
			row[o+2] = byte(x ^ y)     // R
			row[o+3] = 0
		}
	}
	label(b, fmt.Sprintf("frame %d", frame))
}

func label(b *kms.Buffer, s string) {
	d := &font.Drawer{
		Dst:  bufImage{b},
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, 16),
	}
	d.DrawString(s)
}

// bufImage adapts a scanout buffer to the image/draw interfaces.
// XRGB8888 is BGRX in memory on little-endian.
type bufImage struct{ b *kms.Buffer }

func (m bufImage) ColorModel() color.Model { return color.RGBAModel }

func (m bufImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.b.Width, m.b.Height)
}

func (m bufImage) At(x, y int) color.Color {
	o := y*m.b.Pitch + x*4
	return color.RGBA{R: m.b.Pix[o+2], G: m.b.Pix[o+1], B: m.b.Pix[o], A: 0xff}
}

func (m bufImage) Set(x, y int, c color.Color) {
	r, g, b, _ := c.RGBA()
	o := y*m.b.Pitch + x*4
	m.b.Pix[o+0] = byte(b >> 8)
	m.b.Pix[o+1] = byte(g >> 8)
	m.b.Pix[o+2] = byte(r >> 8)
	m.b.Pix[o+3] = 0
}
