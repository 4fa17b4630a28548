// Package settings reads the dashboard's JSON settings blob.
// The blob is owned by the settings UI; this package only reads
// it, once per request, and never caches it.
package settings

import (
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	"github.com/wesm/usageview/internal/pricing"
)

// Settings is the subset of the settings blob the analytics
// layer consumes.
type Settings struct {
	Pricing pricing.Table
	// DBPath, when set, overrides the configured database.
	DBPath string
}

// Default returns settings with the built-in price list.
func Default() Settings {
	return Settings{Pricing: pricing.Default()}
}

// Load reads settings from path. A missing file yields the
// defaults; an unreadable or malformed file is an error.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("reading settings: %w", err)
	}
	return Parse(data)
}

// Parse decodes a settings blob layered over the defaults.
// Model prices in the blob replace built-in entries of the same
// name and add new ones.
func Parse(data []byte) (Settings, error) {
	s := Default()
	if !gjson.ValidBytes(data) {
		return s, fmt.Errorf("parsing settings: invalid JSON")
	}
	root := gjson.ParseBytes(data)

	if p := root.Get("pricing"); p.IsObject() {
		s.Pricing = s.Pricing.Merge(pricing.FromJSON(p))
	}
	if c := root.Get("currency").String(); c != "" {
		s.Pricing = s.Pricing.Merge(pricing.Table{Currency: c})
	}
	s.DBPath = root.Get("db_path").String()
	return s, nil
}
