// Package kmeans implements Lloyd's k-means clustering.
//
// The IVF-PQ index uses it twice: once to learn the coarse partition
// centroids and once per sub-space to learn product-quantization codebooks.
// Training is deterministic for a given seed.
package kmeans
