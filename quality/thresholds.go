package quality

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/evidentia/evidentia/errors"
)

// thresholdsFile is the on-disk override format. Absent fields keep the
// configured defaults.
type thresholdsFile struct {
	MaxAmountCents  *int64 `yaml:"max_amount_cents"`
	DateWindowYears *int   `yaml:"date_window_years"`
}

// LoadThresholds overlays a YAML rules file onto base thresholds. An empty
// path returns base unchanged.
func LoadThresholds(base Thresholds, path string) (Thresholds, error) {
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, errors.Wrapf(err, "failed to read rules file %s", path)
	}

	var overrides thresholdsFile
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return Thresholds{}, errors.Wrapf(err, "failed to parse rules file %s", path)
	}

	if overrides.MaxAmountCents != nil {
		if *overrides.MaxAmountCents <= 0 {
			return Thresholds{}, errors.Newf("rules file %s: max_amount_cents must be positive", path)
		}
		base.MaxAmountCents = *overrides.MaxAmountCents
	}
	if overrides.DateWindowYears != nil {
		if *overrides.DateWindowYears <= 0 {
			return Thresholds{}, errors.Newf("rules file %s: date_window_years must be positive", path)
		}
		base.DateWindowYears = *overrides.DateWindowYears
	}
	return base, nil
}
