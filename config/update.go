package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ApplyUpdate overlays a partial update, keyed like the YAML file, onto the
// config and validates the result. The receiver is only modified when the
// merged config validates, so a bad patch cannot leave mixed state. Returns
// the updated copy.
func (c *Config) ApplyUpdate(patch map[string]interface{}) (*Config, error) {
	merged := *c

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		Result:           &merged,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build config decoder: %w", err)
	}
	if err := dec.Decode(patch); err != nil {
		return nil, fmt.Errorf("invalid config update: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	*c = merged
	return &merged, nil
}
