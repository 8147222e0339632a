// Package catalogs holds the tile catalog a run draws its tiles from: maps,
// weather presets and traffic/pedestrian density tiers.
package catalogs

import (
	"fmt"
	"math/rand"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tile is one generation unit: a map, a weather preset and the number of
// vehicles and pedestrians to populate it with.
type Tile struct {
	Map         string `yaml:"map"`
	Weather     string `yaml:"weather"`
	Vehicles    int    `yaml:"vehicles"`
	Pedestrians int    `yaml:"pedestrians"`
}

func (t Tile) String() string {
	return fmt.Sprintf("Map: %s, Weather: %s, Vehicles: %d, Walkers: %d", t.Map, t.Weather, t.Vehicles, t.Pedestrians)
}

// Catalog is immutable once loaded; the tile pool is its cross product.
type Catalog struct {
	Maps              []string `yaml:"maps"`
	Weather           []string `yaml:"weather"`
	TrafficDensity    []int    `yaml:"traffic_density"`
	PedestrianDensity []int    `yaml:"pedestrian_density"`
}

func Defaults() Catalog {
	return Catalog{
		Maps: []string{"Town01", "Town02", "Town03", "Town04", "Town05", "Town07"},
		Weather: []string{
			"Default",
			"ClearNoon",
			"CloudyNoon",
			"WetNoon",
			"WetCloudyNoon",
			"MidRainyNoon",
			"HardRainNoon",
			"SoftRainNoon",
			"ClearSunset",
			"CloudySunset",
			"WetSunset",
			"WetCloudySunset",
			"MidRainSunset",
			"HardRainSunset",
			"SoftRainSunset",
		},
		TrafficDensity:    []int{50, 100, 200},
		PedestrianDensity: []int{100, 250, 400},
	}
}

// Load reads a catalog YAML file. Sections missing from the file keep their
// defaults; an empty path returns the defaults.
func Load(path string) (Catalog, error) {
	c := Defaults()
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	var file Catalog
	if err := yaml.Unmarshal(b, &file); err != nil {
		return c, fmt.Errorf("catalog.yaml: %w", err)
	}
	if len(file.Maps) > 0 {
		c.Maps = file.Maps
	}
	if len(file.Weather) > 0 {
		c.Weather = file.Weather
	}
	if len(file.TrafficDensity) > 0 {
		c.TrafficDensity = file.TrafficDensity
	}
	if len(file.PedestrianDensity) > 0 {
		c.PedestrianDensity = file.PedestrianDensity
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("catalog.yaml: %w", err)
	}
	return c, nil
}

func (c *Catalog) Normalize() {
	if c == nil {
		return
	}
	c.Maps = trimAll(c.Maps)
	c.Weather = trimAll(c.Weather)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c Catalog) Validate() error {
	if len(c.Maps) == 0 {
		return fmt.Errorf("maps must not be empty")
	}
	if len(c.Weather) == 0 {
		return fmt.Errorf("weather must not be empty")
	}
	if len(c.TrafficDensity) == 0 {
		return fmt.Errorf("traffic_density must not be empty")
	}
	if len(c.PedestrianDensity) == 0 {
		return fmt.Errorf("pedestrian_density must not be empty")
	}
	for i, v := range c.TrafficDensity {
		if v < 0 {
			return fmt.Errorf("traffic_density[%d] must be >= 0", i)
		}
	}
	for i, v := range c.PedestrianDensity {
		if v < 0 {
			return fmt.Errorf("pedestrian_density[%d] must be >= 0", i)
		}
	}
	return nil
}

// Tiles returns maps × weather × traffic × pedestrian in that nesting order.
func (c Catalog) Tiles() []Tile {
	out := make([]Tile, 0, len(c.Maps)*len(c.Weather)*len(c.TrafficDensity)*len(c.PedestrianDensity))
	for _, m := range c.Maps {
		for _, w := range c.Weather {
			for _, v := range c.TrafficDensity {
				for _, p := range c.PedestrianDensity {
					out = append(out, Tile{Map: m, Weather: w, Vehicles: v, Pedestrians: p})
				}
			}
		}
	}
	return out
}

// Draw picks one tile uniformly from the cross product.
func (c Catalog) Draw(rng *rand.Rand) Tile {
	tiles := c.Tiles()
	return tiles[rng.Intn(len(tiles))]
}
