// Package signal generates synthetic multi-channel time series from octave
// simplex noise, for driving pools without a live feed.
package signal

import (
	opensimplex "github.com/ojrac/opensimplex-go"
)

// Generator produces one observation per call: the primary channel followed
// by Channels auxiliary channels. Channel k walks along row k of the noise
// plane, so channels are correlated only through the shared seed.
type Generator struct {
	Seed        int64
	Channels    int     // auxiliary channels
	Frequency   float64 // base noise frequency per step
	Octaves     int
	Persistence float64 // amplitude falloff per octave
	Amplitude   float64 // output scale
	Offset      float64 // added after scaling

	noise opensimplex.Noise
	step  int
}

// DefaultGenerator returns a generator with a smooth, bounded primary signal.
func DefaultGenerator(seed int64, channels int) *Generator {
	return &Generator{
		Seed:        seed,
		Channels:    channels,
		Frequency:   0.02,
		Octaves:     4,
		Persistence: 0.5,
		Amplitude:   1,
	}
}

// Next returns the observation for the current step and advances.
func (g *Generator) Next() []float64 {
	if g.noise == nil {
		g.noise = opensimplex.NewNormalized(g.Seed)
	}
	out := make([]float64, g.Channels+1)
	x := float64(g.step)
	for k := range out {
		v := octaveNoise(g.noise, x, float64(k)*7.31, g.Octaves, g.Frequency, g.Persistence)
		out[k] = v*g.Amplitude + g.Offset
	}
	g.step++
	return out
}

// Step returns how many observations have been produced.
func (g *Generator) Step() int {
	return g.step
}

// octaveNoise generates fractal noise by layering multiple frequencies.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}
	if maxVal == 0 {
		return 0
	}
	return total / maxVal
}
