// Package telemetry builds sensor readings and reports them to the controller.
package telemetry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Status is the device health flag sent with each reading.
type Status string

const (
	StatusActive  Status = "active"
	StatusWarning Status = "warning"
)

// Sample is a reading before it is timestamped.
type Sample struct {
	Temperature float64
	Humidity    float64
	Status      Status
}

// At stamps the sample with t.
func (s Sample) At(t time.Time) Reading {
	return Reading{
		Timestamp:   t.Format(time.RFC3339Nano),
		Temperature: s.Temperature,
		Humidity:    s.Humidity,
		Status:      s.Status,
	}
}

// Reading is the body posted to the controller. Never persisted.
type Reading struct {
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Status      Status  `json:"status"`
}

// Sampler produces synthetic readings: temperature in [20,30], humidity in
// [50,70], both rounded to two decimals.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler creates a Sampler. A nil rng seeds from the wall clock.
func NewSampler(rng *rand.Rand) *Sampler {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Sampler{rng: rng}
}

// Sample draws one reading.
func (s *Sampler) Sample() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := StatusActive
	if s.rng.IntN(2) == 1 {
		status = StatusWarning
	}
	return Sample{
		Temperature: round2(20 + s.rng.Float64()*10),
		Humidity:    round2(50 + s.rng.Float64()*20),
		Status:      status,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
