package config

import (
	"fmt"

	"go.uber.org/zap"
)

// Profile tunes one algorithm on every device, keyed by "algorithm/variant"
// or by algorithm alone.
type Profile struct {
	Grid    int `yaml:"grid"` // zero uses the suggested grid size
	Bfactor int `yaml:"bfactor"`
}

func (p Profile) validate() error {
	if p.Grid < 0 {
		return fmt.Errorf("negative grid %d", p.Grid)
	}
	if p.Bfactor < 0 || p.Bfactor > 12 {
		return fmt.Errorf("bfactor %d out of range 0-12", p.Bfactor)
	}
	return nil
}

// ProfileFor returns the profile of algorithm/variant. An exact entry wins
// over the algorithm entry; without either the global bfactor and a
// suggested grid are used.
func (c *Config) ProfileFor(algorithm, variant string, log *zap.Logger) Profile {
	if p, ok := c.Profiles[algorithm+"/"+variant]; ok {
		return p
	}
	if p, ok := c.Profiles[algorithm]; ok {
		return p
	}
	if log != nil {
		log.Debug("no profile configured, using defaults", zap.String("algorithm", algorithm+"/"+variant))
	}
	return Profile{Bfactor: c.Bfactor}
}
