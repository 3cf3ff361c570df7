// Package index implements the approximate nearest-neighbor index behind the
// vector store: an inverted-file (IVF) structure over k-means centroids with
// tombstone-based deletion and in-place rebuild.
package index

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

const (
	defaultNProbe = 10
	kmeansIters   = 20
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the index dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// Hit is a single nearest-neighbor match keyed by internal handle.
type Hit struct {
	ID       int64
	Distance float32
}

// Index is an IVF index over L2 distance. Entries are keyed by internal
// integer handles; the external ID mapping lives in the vector store.
//
// Training is lazy: vectors accumulate in flat storage and are scanned by
// brute force until enough of them exist to fit the centroids, at which
// point the index trains itself and switches to inverted-list probing.
// Deletion tombstones the slot; Rebuild compacts live entries and retrains.
type Index struct {
	mu sync.RWMutex

	dim        int
	nCentroids int
	nprobe     int

	centroids [][]float32
	invlists  [][]int

	vectors    [][]float32
	ids        []int64
	tombstones []bool
	live       int
	trained    bool
}

// New creates an index for vectors of the given dimension.
func New(dimension, nCentroids int) *Index {
	if nCentroids <= 0 {
		nCentroids = 100
	}
	return &Index{
		dim:        dimension,
		nCentroids: nCentroids,
		nprobe:     minInt(nCentroids, defaultNProbe),
	}
}

// SetNProbe sets how many inverted lists a search scans.
func (ix *Index) SetNProbe(nprobe int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if nprobe > 0 {
		ix.nprobe = minInt(nprobe, ix.nCentroids)
	}
}

// Dimension returns the vector dimension the index was created with.
func (ix *Index) Dimension() int {
	return ix.dim
}

// ------------------------------------------------------------------
// Mutation
// ------------------------------------------------------------------

// Add inserts a vector under the given internal handle. The first inserts
// run untrained; once the corpus can support the configured centroid count
// the index trains itself and assigns all existing entries.
func (ix *Index) Add(id int64, vector []float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(vector) != ix.dim {
		return fmt.Errorf("%w: vector has %d components, index expects %d",
			ErrDimensionMismatch, len(vector), ix.dim)
	}

	slot := len(ix.vectors)
	ix.vectors = append(ix.vectors, vector)
	ix.ids = append(ix.ids, id)
	ix.tombstones = append(ix.tombstones, false)
	ix.live++

	if !ix.trained {
		if ix.live >= ix.trainThreshold() {
			return ix.trainLocked()
		}
		return nil
	}

	c := ix.nearestCentroid(vector)
	ix.invlists[c] = append(ix.invlists[c], slot)
	return nil
}

// Delete tombstones the entry for the given handle. It reports whether a
// live entry was found. The slot remains in the index until Rebuild.
func (ix *Index) Delete(id int64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for slot, storedID := range ix.ids {
		if storedID == id && !ix.tombstones[slot] {
			ix.tombstones[slot] = true
			ix.live--
			return true
		}
	}
	return false
}

// Rebuild compacts the index to live entries only and retrains the
// centroids. Tombstone ratio is zero afterwards.
func (ix *Index) Rebuild() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	liveVectors := make([][]float32, 0, ix.live)
	liveIDs := make([]int64, 0, ix.live)
	for slot, vec := range ix.vectors {
		if !ix.tombstones[slot] {
			liveVectors = append(liveVectors, vec)
			liveIDs = append(liveIDs, ix.ids[slot])
		}
	}

	ix.vectors = liveVectors
	ix.ids = liveIDs
	ix.tombstones = make([]bool, len(liveVectors))
	ix.live = len(liveVectors)
	ix.trained = false
	ix.centroids = nil
	ix.invlists = nil

	if ix.live >= ix.trainThreshold() {
		return ix.trainLocked()
	}
	return nil
}

// Clear removes everything, returning the index to its untrained state.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.vectors = nil
	ix.ids = nil
	ix.tombstones = nil
	ix.live = 0
	ix.trained = false
	ix.centroids = nil
	ix.invlists = nil
}

// ------------------------------------------------------------------
// Search
// ------------------------------------------------------------------

// Search returns up to k nearest live entries by L2 distance. Tombstoned
// slots never appear in the result.
func (ix *Index) Search(query []float32, k int) ([]Hit, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d components, index expects %d",
			ErrDimensionMismatch, len(query), ix.dim)
	}
	if k <= 0 || ix.live == 0 {
		return nil, nil
	}

	var candidates []Hit
	if !ix.trained {
		candidates = ix.scanSlots(query, allSlots(len(ix.vectors)))
	} else {
		order := ix.centroidOrder(query)
		nprobe := minInt(ix.nprobe, len(order))
		for i := 0; i < nprobe; i++ {
			candidates = append(candidates, ix.scanSlots(query, ix.invlists[order[i]])...)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (ix *Index) scanSlots(query []float32, slots []int) []Hit {
	hits := make([]Hit, 0, len(slots))
	for _, slot := range slots {
		if ix.tombstones[slot] {
			continue
		}
		hits = append(hits, Hit{
			ID:       ix.ids[slot],
			Distance: l2Distance(query, ix.vectors[slot]),
		})
	}
	return hits
}

func (ix *Index) centroidOrder(query []float32) []int {
	type centroidDist struct {
		idx  int
		dist float32
	}
	dists := make([]centroidDist, len(ix.centroids))
	for i, c := range ix.centroids {
		dists[i] = centroidDist{i, l2Distance(query, c)}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

	order := make([]int, len(dists))
	for i, d := range dists {
		order[i] = d.idx
	}
	return order
}

// ------------------------------------------------------------------
// Stats
// ------------------------------------------------------------------

// Live returns the number of non-tombstoned entries.
func (ix *Index) Live() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.live
}

// Total returns live plus tombstoned entries.
func (ix *Index) Total() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}

// TombstoneRatio returns tombstoned/total, or 0 for an empty index.
func (ix *Index) TombstoneRatio() float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.vectors) == 0 {
		return 0
	}
	return float64(len(ix.vectors)-ix.live) / float64(len(ix.vectors))
}

// Trained reports whether the centroids have been fit.
func (ix *Index) Trained() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.trained
}

// ------------------------------------------------------------------
// Persistence
// ------------------------------------------------------------------

// Snapshot is the serializable form of the index.
type Snapshot struct {
	Dimension  int
	NCentroids int
	NProbe     int
	Centroids  [][]float32
	Invlists   [][]int
	Vectors    [][]float32
	IDs        []int64
	Tombstones []bool
	Trained    bool
}

// Snapshot captures the full index state for serialization.
func (ix *Index) Snapshot() *Snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return &Snapshot{
		Dimension:  ix.dim,
		NCentroids: ix.nCentroids,
		NProbe:     ix.nprobe,
		Centroids:  ix.centroids,
		Invlists:   ix.invlists,
		Vectors:    ix.vectors,
		IDs:        ix.ids,
		Tombstones: ix.tombstones,
		Trained:    ix.trained,
	}
}

// Restore rebuilds an index from a snapshot.
func Restore(s *Snapshot) *Index {
	ix := &Index{
		dim:        s.Dimension,
		nCentroids: s.NCentroids,
		nprobe:     s.NProbe,
		centroids:  s.Centroids,
		invlists:   s.Invlists,
		vectors:    s.Vectors,
		ids:        s.IDs,
		tombstones: s.Tombstones,
		trained:    s.Trained,
	}
	for _, dead := range s.Tombstones {
		if !dead {
			ix.live++
		}
	}
	return ix
}

// ------------------------------------------------------------------
// Training
// ------------------------------------------------------------------

func (ix *Index) trainThreshold() int {
	return ix.nCentroids * 2
}

func (ix *Index) trainLocked() error {
	liveVectors := make([][]float32, 0, ix.live)
	for slot, vec := range ix.vectors {
		if !ix.tombstones[slot] {
			liveVectors = append(liveVectors, vec)
		}
	}

	centroids, err := kMeans(liveVectors, ix.nCentroids, kmeansIters)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}

	ix.centroids = centroids
	ix.invlists = make([][]int, ix.nCentroids)
	ix.trained = true

	for slot, vec := range ix.vectors {
		if ix.tombstones[slot] {
			continue
		}
		c := ix.nearestCentroid(vec)
		ix.invlists[c] = append(ix.invlists[c], slot)
	}
	return nil
}

func (ix *Index) nearestCentroid(vector []float32) int {
	minDist := float32(math.MaxFloat32)
	minIdx := 0
	for i, c := range ix.centroids {
		if d := l2Distance(vector, c); d < minDist {
			minDist = d
			minIdx = i
		}
	}
	return minIdx
}

// kMeans fits k centroids with k-means++ seeding.
func kMeans(vectors [][]float32, k, maxIters int) ([][]float32, error) {
	if len(vectors) < k {
		return nil, fmt.Errorf("need at least %d vectors for training, got %d", k, len(vectors))
	}
	dim := len(vectors[0])

	centroids := make([][]float32, k)
	centroids[0] = append([]float32(nil), vectors[rand.Intn(len(vectors))]...)

	// Remaining seeds chosen with probability proportional to squared
	// distance from the nearest existing seed.
	for i := 1; i < k; i++ {
		distances := make([]float32, len(vectors))
		var total float32
		for j, vec := range vectors {
			minDist := float32(math.MaxFloat32)
			for c := 0; c < i; c++ {
				if d := l2Distance(vec, centroids[c]); d < minDist {
					minDist = d
				}
			}
			distances[j] = minDist * minDist
			total += distances[j]
		}

		r := rand.Float32() * total
		var cum float32
		picked := len(vectors) - 1
		for j, d := range distances {
			cum += d
			if cum >= r {
				picked = j
				break
			}
		}
		centroids[i] = append([]float32(nil), vectors[picked]...)
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			minDist := float32(math.MaxFloat32)
			minIdx := 0
			for j, c := range centroids {
				if d := l2Distance(vec, c); d < minDist {
					minDist = d
					minIdx = j
				}
			}
			if assignments[i] != minIdx {
				changed = true
				assignments[i] = minIdx
			}
		}
		if !changed {
			break
		}

		counts := make([]int, k)
		next := make([][]float32, k)
		for i := range next {
			next[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			cluster := assignments[i]
			counts[cluster]++
			for j := 0; j < dim; j++ {
				next[cluster][j] += vec[j]
			}
		}
		for i := range next {
			if counts[i] == 0 {
				// Empty cluster keeps its previous position.
				next[i] = centroids[i]
				continue
			}
			for j := 0; j < dim; j++ {
				next[i][j] /= float32(counts[i])
			}
		}
		centroids = next
	}
	return centroids, nil
}

func l2Distance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return float32(math.Sqrt(float64(sum)))
}

func allSlots(n int) []int {
	slots := make([]int, n)
	for i := range slots {
		slots[i] = i
	}
	return slots
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
