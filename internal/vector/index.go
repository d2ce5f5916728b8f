// Package vector provides a flat in-memory vector index with exact
// nearest-neighbor search and single-file persistence. Ordinals are dense
// zero-based positions assigned at append time; the metadata store keys its
// records by the same ordinals.
package vector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/finsight/docqa/pkg/utils"
)

var (
	// ErrEmptyBatch is returned when Append is called with no vectors.
	ErrEmptyBatch = errors.New("empty vector batch")
	// ErrDimensionMismatch is returned when a vector's length does not match
	// the index dimension. It is never silently coerced.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrIndexCorrupt is returned by Load when the index file exists but cannot
	// be decoded, or disagrees with the configured dimension or metric. It is
	// distinct from fs.ErrNotExist so that first-run bootstrap and data loss
	// are never conflated.
	ErrIndexCorrupt = errors.New("index file corrupt or incompatible")
)

const (
	indexMagic   uint32 = 0x51444958 // "XIDQ" little-endian
	indexVersion uint16 = 1
)

// Hit is a single search result: the ordinal of a stored vector and its
// similarity to the query, in [-1, 1].
type Hit struct {
	Ordinal int     `json:"ordinal"`
	Score   float64 `json:"score"`
}

// FlatIndex stores unit vectors of a fixed dimension and answers
// nearest-neighbor queries by exact linear scan.
type FlatIndex struct {
	dimensions int
	metric     Metric
	vectors    [][]float32
	mu         sync.RWMutex
}

// NewFlatIndex creates an empty index with the given dimension and metric.
func NewFlatIndex(dimensions int, metric Metric) (*FlatIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	m, err := ParseMetric(string(metric))
	if err != nil {
		return nil, err
	}
	return &FlatIndex{
		dimensions: dimensions,
		metric:     m,
		vectors:    make([][]float32, 0),
	}, nil
}

// Append normalizes each vector to unit L2 norm and appends the whole batch
// contiguously, returning the ordinal of the first new vector. The batch is
// validated up front so it is added in full or not at all.
func (f *FlatIndex) Append(vectors [][]float32) (int, error) {
	if len(vectors) == 0 {
		return 0, ErrEmptyBatch
	}
	for i, v := range vectors {
		if len(v) != f.dimensions {
			return 0, fmt.Errorf("%w: vector %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(v), f.dimensions)
		}
	}
	normalized := make([][]float32, len(vectors))
	for i, v := range vectors {
		vec := make([]float32, f.dimensions)
		copy(vec, v)
		utils.NormalizeL2(vec)
		normalized[i] = vec
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	first := len(f.vectors)
	f.vectors = append(f.vectors, normalized...)
	return first, nil
}

// Search returns up to min(k, Size()) hits sorted by descending similarity,
// ties broken by ascending ordinal. The query is normalized before scoring.
// Searching an empty index returns no hits and no error.
func (f *FlatIndex) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != f.dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(query), f.dimensions)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if k <= 0 || len(f.vectors) == 0 {
		return nil, nil
	}
	q := make([]float32, f.dimensions)
	copy(q, query)
	utils.NormalizeL2(q)

	hits := make([]Hit, len(f.vectors))
	for i, vec := range f.vectors {
		hits[i] = Hit{Ordinal: i, Score: clampScore(similarity(f.metric, q, vec))}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Ordinal < hits[j].Ordinal
	})
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

// Vector returns a copy of the stored vector at ordinal, for diagnostics.
func (f *FlatIndex) Vector(ordinal int) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if ordinal < 0 || ordinal >= len(f.vectors) {
		return nil, false
	}
	out := make([]float32, f.dimensions)
	copy(out, f.vectors[ordinal])
	return out, true
}

// Size returns the number of stored vectors.
func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Dimensions returns the fixed embedding dimension.
func (f *FlatIndex) Dimensions() int {
	return f.dimensions
}

// Metric returns the similarity metric the index was created with.
func (f *FlatIndex) Metric() Metric {
	return f.metric
}

// Clear removes all vectors. Ordinal numbering restarts from zero.
func (f *FlatIndex) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors = f.vectors[:0]
}

// Save persists the full vector set to path. Directory is created if needed.
// Format: magic (4), version (2), metric (1), dimensions (4), count (4), then
// count*dimensions float32 values, all little-endian.
func (f *FlatIndex) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer file.Close()
	if err := binary.Write(file, binary.LittleEndian, indexMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, indexVersion); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, metricToByte(f.metric)); err != nil {
		return fmt.Errorf("write metric: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(f.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(len(f.vectors))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for _, vec := range f.vectors {
		if _, err := file.Write(float32SliceToBytes(vec)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

// Load reads the index from path and replaces the in-memory contents.
// A missing file is reported as-is (errors.Is(err, fs.ErrNotExist)); the caller
// decides whether that means first-run bootstrap. Any decode failure, version,
// metric, or dimension disagreement is reported as ErrIndexCorrupt. The index
// is left unchanged unless the whole file decodes cleanly.
func (f *FlatIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	var magic uint32
	if err := binary.Read(file, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("%w: read magic: %v", ErrIndexCorrupt, err)
	}
	if magic != indexMagic {
		return fmt.Errorf("%w: bad magic 0x%08x", ErrIndexCorrupt, magic)
	}
	var version uint16
	if err := binary.Read(file, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("%w: read version: %v", ErrIndexCorrupt, err)
	}
	if version != indexVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrIndexCorrupt, version)
	}
	var metricByte uint8
	if err := binary.Read(file, binary.LittleEndian, &metricByte); err != nil {
		return fmt.Errorf("%w: read metric: %v", ErrIndexCorrupt, err)
	}
	fileMetric, ok := metricFromByte(metricByte)
	if !ok {
		return fmt.Errorf("%w: unknown metric byte %d", ErrIndexCorrupt, metricByte)
	}
	if fileMetric != f.metric {
		return fmt.Errorf("%w: file metric %s, index configured for %s",
			ErrIndexCorrupt, fileMetric, f.metric)
	}
	var dim, count uint32
	if err := binary.Read(file, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("%w: read dimensions: %v", ErrIndexCorrupt, err)
	}
	if int(dim) != f.dimensions {
		return fmt.Errorf("%w: file has %d dimensions, index expects %d",
			ErrIndexCorrupt, dim, f.dimensions)
	}
	if err := binary.Read(file, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: read count: %v", ErrIndexCorrupt, err)
	}
	vectors := make([][]float32, 0, count)
	buf := make([]byte, f.dimensions*4)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(file, buf); err != nil {
			return fmt.Errorf("%w: read vector %d: %v", ErrIndexCorrupt, i, err)
		}
		vectors = append(vectors, bytesToFloat32Slice(buf))
	}
	f.mu.Lock()
	f.vectors = vectors
	f.mu.Unlock()
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
