/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package device classifies the runtime the client is running on and
// decides which call controls are offered there. The result is a hint:
// nothing here ever prevents a call from being placed.
package device

import (
	"strings"
)

// Class is a coarse runtime classification.
type Class string

const (
	ClassDesktop       Class = "desktop"
	ClassMobileIOS     Class = "mobile-ios"
	ClassMobileAndroid Class = "mobile-android"
	ClassUnknown       Class = "unknown"
)

// IsMobile reports whether the class is a phone or tablet.
func (c Class) IsMobile() bool {
	return c == ClassMobileIOS || c == ClassMobileAndroid
}

// Capabilities describes which controls the UI should advertise.
type Capabilities struct {
	Class Class `json:"class"`

	// ScreenShare advertises the screen-share control.
	ScreenShare bool `json:"screenShare"`

	// FrontCamera asks media acquisition to prefer the user-facing camera.
	FrontCamera bool `json:"frontCamera"`

	// AdvancedControls is false when the platform could not be identified.
	AdvancedControls bool `json:"advancedControls"`
}

var iosMarkers = []string{"iphone", "ipad", "ipod"}

var mobileMarkers = []string{"mobile", "blackberry", "iemobile", "opera mini", "webos"}

var desktopMarkers = []string{"windows nt", "macintosh", "mac os x", "x11", "linux", "cros", "go-http-client", "consult-go"}

// Classify maps a user agent string onto a Class. It is a pure function.
func Classify(userAgent string) Class {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return ClassUnknown
	}

	for _, m := range iosMarkers {
		if strings.Contains(ua, m) {
			return ClassMobileIOS
		}
	}
	if strings.Contains(ua, "android") {
		return ClassMobileAndroid
	}
	for _, m := range mobileMarkers {
		if strings.Contains(ua, m) {
			// Unrecognised mobile OS; treat it like Android for camera handling.
			return ClassMobileAndroid
		}
	}
	for _, m := range desktopMarkers {
		if strings.Contains(ua, m) {
			return ClassDesktop
		}
	}
	return ClassUnknown
}

// CapabilitiesFor returns the controls offered on class.
func CapabilitiesFor(class Class) Capabilities {
	switch class {
	case ClassDesktop:
		return Capabilities{Class: class, ScreenShare: true, AdvancedControls: true}
	case ClassMobileIOS, ClassMobileAndroid:
		return Capabilities{Class: class, FrontCamera: true, AdvancedControls: true}
	default:
		// Assume desktop media behaviour but hide anything optional.
		return Capabilities{Class: ClassUnknown}
	}
}

// Probe classifies userAgent and returns its capabilities.
func Probe(userAgent string) Capabilities {
	return CapabilitiesFor(Classify(userAgent))
}

// WithScreenShare returns a copy of c with the screen-share hint replaced.
// Some mobile browsers do support display capture, so the UI may turn it on.
func (c Capabilities) WithScreenShare(enabled bool) Capabilities {
	c.ScreenShare = enabled
	return c
}
