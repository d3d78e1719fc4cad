// Package ivfpq is the default ANN index: an inverted file of k-means
// partitions whose members are stored as product-quantization codes.
//
// A query visits the NProbes partitions closest to it, scores every member
// with asymmetric distance computation against a per-query lookup table, and
// returns the k*RefineFactor best candidates for exact re-scoring by the
// caller.
//
// The build artifact is a single file:
//
//	header | centroids | codebooks | codes | postings | ids | crc32c
//
// Postings are serialized roaring bitmaps of row numbers. Loading maps the
// file read-only; the codes section is used in place and Prewarm asks the
// kernel to fault it in.
package ivfpq
