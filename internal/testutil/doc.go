// Package testutil provides deterministic data for tests and benchmarks:
// seeded vector generators, an in-memory row source, exact top-k ground
// truth and a recall helper.
package testutil
