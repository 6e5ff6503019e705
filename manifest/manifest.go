// Package manifest validates the app manifest descriptor consumed at
// worker install time.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Icon is one manifest icon entry.
type Icon struct {
	Src     string `json:"src"`
	Sizes   string `json:"sizes"`
	Type    string `json:"type,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

// Descriptor is the installable-app manifest.
type Descriptor struct {
	Name            string `json:"name"`
	ShortName       string `json:"short_name"`
	StartURL        string `json:"start_url"`
	Display         string `json:"display"`
	ThemeColor      string `json:"theme_color"`
	BackgroundColor string `json:"background_color"`
	Icons           []Icon `json:"icons"`
}

var validDisplays = map[string]bool{
	"standalone": true,
	"fullscreen": true,
	"minimal-ui": true,
}

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Parse decodes and validates a manifest document.
func Parse(b []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return d, err
	}
	return d, d.Validate()
}

// Validate checks the descriptor against the install requirements.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if d.ShortName == "" {
		return fmt.Errorf("manifest: short_name is required")
	}
	if d.StartURL == "" {
		return fmt.Errorf("manifest: start_url is required")
	}
	if !validDisplays[d.Display] {
		return fmt.Errorf("manifest: display %q must be one of standalone, fullscreen, minimal-ui", d.Display)
	}
	if !hexColor.MatchString(d.ThemeColor) {
		return fmt.Errorf("manifest: theme_color %q is not a 6-digit hex color", d.ThemeColor)
	}
	if !hexColor.MatchString(d.BackgroundColor) {
		return fmt.Errorf("manifest: background_color %q is not a 6-digit hex color", d.BackgroundColor)
	}
	var has192, has512, hasMaskable bool
	for _, icon := range d.Icons {
		if icon.Sizes == "192x192" {
			has192 = true
		}
		if icon.Sizes == "512x512" {
			has512 = true
		}
		for _, p := range strings.Fields(icon.Purpose) {
			if p == "maskable" {
				hasMaskable = true
			}
		}
	}
	if !has192 || !has512 {
		return fmt.Errorf("manifest: icons must include 192x192 and 512x512")
	}
	if !hasMaskable {
		return fmt.Errorf("manifest: at least one icon must be marked maskable")
	}
	return nil
}
