package capture

import "fmt"

// Preset is a named fps/quality pairing selectable at startup or over
// the status API. Values stay conservative because every frame has to
// squeeze through the chat tunnel's message cap.
type Preset struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Quality int    `json:"quality"`
	FPS     int    `json:"fps"`
}

var (
	presetOrder   = []string{"balanced", "sharp", "bandwidth"}
	presetCatalog = map[string]Preset{
		"balanced": {
			Key:     "balanced",
			Label:   "Balanced",
			Quality: 55,
			FPS:     10,
		},
		"sharp": {
			Key:     "sharp",
			Label:   "High Fidelity",
			Quality: 75,
			FPS:     6,
		},
		"bandwidth": {
			Key:     "bandwidth",
			Label:   "Bandwidth Saver",
			Quality: 35,
			FPS:     4,
		},
	}
)

// Presets lists the catalog in its display order.
func Presets() []Preset {
	out := make([]Preset, 0, len(presetOrder))
	for _, key := range presetOrder {
		if preset, ok := presetCatalog[key]; ok {
			out = append(out, preset)
		}
	}
	return out
}

// LookupPreset resolves a preset by key.
func LookupPreset(key string) (Preset, error) {
	preset, ok := presetCatalog[key]
	if !ok {
		return Preset{}, fmt.Errorf("capture: unknown quality preset %s", key)
	}
	return preset, nil
}
