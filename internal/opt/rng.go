package opt

import (
	"math/rand"
	randv2 "math/rand/v2"
)

// pcgSource adapts a PCG generator to the math/rand Source64 interface so
// that libraries taking a *rand.Rand draw from a stream whose state can be
// marshalled into a snapshot.
type pcgSource struct {
	pcg *randv2.PCG
}

func newRNG(seed int64) *pcgSource {
	return &pcgSource{pcg: randv2.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)}
}

func (s *pcgSource) Int63() int64 { return int64(s.pcg.Uint64() >> 1) }

func (s *pcgSource) Uint64() uint64 { return s.pcg.Uint64() }

func (s *pcgSource) Seed(seed int64) {
	s.pcg.Seed(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)
}

func (s *pcgSource) rand() *rand.Rand { return rand.New(s) }

func (s *pcgSource) MarshalBinary() ([]byte, error) { return s.pcg.MarshalBinary() }

func (s *pcgSource) UnmarshalBinary(data []byte) error { return s.pcg.UnmarshalBinary(data) }
