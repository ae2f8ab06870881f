package datasets

import (
	"hash/fnv"
	"math/rand/v2"
)

// bagSource tells tumor bags apart from normal tissue bags when seeding.
type bagSource uint8

const (
	tumorBag bagSource = iota
	normalBag
)

// bagRand returns the generator of one bag. It depends only on the seed,
// the patient, the source and the bag number, so a bag is the same no
// matter which worker builds it or in which order bags are requested.
func bagRand(seed int64, patientID string, source bagSource, bag int) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(patientID))
	_, _ = h.Write([]byte{byte(source)})
	return rand.New(rand.NewPCG(uint64(seed)^h.Sum64(), uint64(bag)))
}

// sampleInstances picks n patch indices out of numPatches. Patches are drawn
// without replacement when there are enough of them, otherwise with
// replacement.
func sampleInstances(r *rand.Rand, numPatches, n int) []int {
	indices := make([]int, n)
	if numPatches >= n {
		perm := r.Perm(numPatches)
		copy(indices, perm[:n])
		return indices
	}
	for i := range indices {
		indices[i] = r.IntN(numPatches)
	}
	return indices
}
