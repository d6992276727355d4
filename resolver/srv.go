package resolver

import "math/rand"

// srvRotation implements a reduced-weight rotation list for the SRV
// lowest-priority band: weights are reduced by their GCD, each index is expanded that many times, and
// successive calls rotate a random element out of the unused prefix to
// the tail, decrementing a pointer that wraps back to the full length.
//
// This generalizes the randomized, weight-aware rotation idea used for
// DNS jitter in levenlabs-go-srvclient (which reaches for math/rand for
// similar "fair but not strictly ordered" selection) into a deterministic
// fairness guarantee instead of simple jitter.
type srvRotation struct {
	calls    int
	rotation []int
	pointer  int
}

// next returns the index (into the priority band) to serve, given band
// weights already promoted so that 0 becomes 1.
func (s *srvRotation) next(weights []int) int {
	s.calls++
	if s.calls == 1 {
		return 0 // trust DNS order on first serve
	}

	if s.rotation == nil {
		s.rotation = expandWeights(weights)
		s.pointer = len(s.rotation)
	}

	if s.pointer == 0 {
		s.pointer = len(s.rotation)
	}

	idx := rand.Intn(s.pointer)
	s.rotation[idx], s.rotation[s.pointer-1] = s.rotation[s.pointer-1], s.rotation[idx]
	s.pointer--

	return s.rotation[s.pointer]
}

func expandWeights(weights []int) []int {
	g := 0
	for _, w := range weights {
		g = gcd(g, w)
	}
	if g == 0 {
		g = 1
	}

	var out []int
	for i, w := range weights {
		reduced := w / g
		if reduced == 0 {
			reduced = 1
		}
		for n := 0; n < reduced; n++ {
			out = append(out, i)
		}
	}
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

func (r *Resolver) srvRotationFor(key string) *srvRotation {
	r.srvMu.Lock()
	defer r.srvMu.Unlock()

	s, ok := r.srvState[key]
	if !ok {
		s = &srvRotation{}
		r.srvState[key] = s
	}
	return s
}
