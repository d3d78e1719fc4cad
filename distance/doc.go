// Package distance provides the vector distance functions used by the ANN
// index and the exact-scan fallback.
//
// # Supported Metrics
//
//   - MetricL2: squared Euclidean distance (default)
//   - MetricCosine: 1 - cosine similarity
//   - MetricDot: negated inner product
//
// Provider returns a function where smaller always means closer, so callers
// can rank candidates uniformly; Similarity converts such a distance into
// the score reported to users (larger is better).
//
// # Usage
//
//	fn, _ := distance.Provider(distance.MetricCosine)
//	d := fn(query, candidate)
//	score := distance.Similarity(distance.MetricCosine, d)
package distance
