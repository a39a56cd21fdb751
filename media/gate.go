/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"image"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/wave"
)

// gate replaces captured media with black frames or silence while the track
// is disabled. The capture device stays open so re-enabling is immediate.
type gate struct {
	on atomic.Bool
}

func newGate() *gate {
	g := &gate{}
	g.on.Store(true)
	return g
}

func (g *gate) enabled() bool { return g.on.Load() }

func (g *gate) set(enabled bool) { g.on.Store(enabled) }

func (g *gate) install(t mediadevices.Track) {
	switch track := t.(type) {
	case *mediadevices.VideoTrack:
		track.Transform(g.video)
	case *mediadevices.AudioTrack:
		track.Transform(g.audio)
	}
}

func (g *gate) video(r video.Reader) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil || g.enabled() {
			return img, release, err
		}
		if release != nil {
			release()
		}
		return blackFrame(img.Bounds()), func() {}, nil
	})
}

func (g *gate) audio(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil || g.enabled() {
			return chunk, release, err
		}
		info := chunk.ChunkInfo()
		if release != nil {
			release()
		}
		return wave.NewInt16Interleaved(info), func() {}, nil
	})
}

func blackFrame(bounds image.Rectangle) image.Image {
	img := image.NewYCbCr(bounds, image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}
