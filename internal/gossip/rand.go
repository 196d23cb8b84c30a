package gossip

import (
	"math/rand"
	"time"
)

// randIndexes generates up-to-`generate` random index values in [0, items).
// Adapted from the teacher's gossip/pkg/rand.go; kept as its own function
// because both gossip-round peer selection and election backoff need a
// source of randomness bounded by a collection size.
func randIndexes(items int, generate int) []int {
	num := generate
	if generate > items {
		num = items
	}
	out := make([]int, num)
	for i := 0; i < num; i++ {
		out[i] = rand.Intn(items)
	}
	return out
}

// electionBackoff returns a random duration strictly less than interval, used
// to stagger simultaneous leader claims (§4.2): "it waits a random backoff
// less than interval, then claims leadership".
func electionBackoff(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(interval)))
}

// randomPeers returns up to n peers drawn at random from all, skipping any
// peer whose id is in exclude.
func randomPeers(all []PeerState, exclude map[string]struct{}, n int) []PeerState {
	candidates := make([]PeerState, 0, len(all))
	for _, p := range all {
		if _, skip := exclude[p.ID]; skip {
			continue
		}
		candidates = append(candidates, p)
	}

	idxs := randIndexes(len(candidates), n)
	out := make([]PeerState, len(idxs))
	for i, idx := range idxs {
		out[i] = candidates[idx]
	}
	return out
}
