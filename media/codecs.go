//go:build !mediadrivers

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// DriversLinked reports whether capture drivers are compiled in.
const DriversLinked = false

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	return mediadevices.NewCodecSelector(), nil
}

// RegisterCodecs registers the codecs local tracks can be encoded with.
// Without native encoders only synthetic tracks are sent, so pion's default
// codec set is used.
func RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}
