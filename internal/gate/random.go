package gate

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// RandomSource yields uniform draws in [0,1).
type RandomSource interface {
	Float64() float64
}

type seededSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededSource returns a reproducible source safe for concurrent use.
func NewSeededSource(seed uint64) RandomSource {
	return &seededSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *seededSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

type cryptoSource struct{}

// NewCryptoSource draws from the operating system CSPRNG.
func NewCryptoSource() RandomSource {
	return cryptoSource{}
}

func (cryptoSource) Float64() float64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return float64(binary.LittleEndian.Uint64(b[:])>>11) / (1 << 53)
}

type sequenceSource struct {
	mu    sync.Mutex
	draws []float64
	next  int
}

// NewSequenceSource replays draws in order, wrapping around at the end.
func NewSequenceSource(draws ...float64) RandomSource {
	if len(draws) == 0 {
		draws = []float64{0}
	}
	return &sequenceSource{draws: append([]float64(nil), draws...)}
}

func (s *sequenceSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.draws[s.next%len(s.draws)]
	s.next++
	return v
}
