// Package hwrev identifies the board revision from its strap pins and maps
// it to the capabilities that vary between revisions.
package hwrev

// Revision is a detected hardware revision.
type Revision struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
}

// Settings are the per-revision capabilities.
type Settings struct {
	FanKA             float64 `json:"fan_k_a"`
	FanKB             float64 `json:"fan_k_b"`
	FanKC             float64 `json:"fan_k_c"`
	MinFanPWM         float64 `json:"min_fan_pwm"`
	MaxFanPWM         float64 `json:"max_fan_pwm"`
	FanPWMFreqHz      uint32  `json:"fan_pwm_freq_hz"`
	FanAvailable      bool    `json:"fan_available"`
	FanPWMRecommended bool    `json:"fan_pwm_recommended"`
}

// Detect decodes the four revision strap pins.
func Detect(h0, h1, h2, h3 bool) Revision {
	switch {
	case h0 && h1 && h2 && !h3:
		return Revision{Major: 1, Minor: 0}
	case h0 && !h1 && !h2 && !h3:
		return Revision{Major: 2, Minor: 0}
	case !h0 && h1 && !h2 && !h3:
		return Revision{Major: 2, Minor: 2}
	default:
		return Revision{}
	}
}

// Settings returns the capabilities of this revision.  Only rev 2.2 boards
// carry the fan header.
func (r Revision) Settings() Settings {
	if r.Major == 2 && r.Minor == 2 {
		return Settings{
			FanKA: 1.0,
			FanKB: 0.0,
			FanKC: 0.0,
			// below 4% duty the fan's autostart may fail
			MinFanPWM:         0.04,
			MaxFanPWM:         1.0,
			FanPWMFreqHz:      25_000,
			FanAvailable:      true,
			FanPWMRecommended: false,
		}
	}
	return Settings{}
}
