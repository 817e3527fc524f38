// Package testutil generates reproducible rows for tests and the bufbench tool.
//
//	rng := testutil.NewRNG(42)
//	keys := rng.Keys(testutil.Zipf, 10_000, 1_000)
//	row := rng.Tuple(schema, keys[0])
//
// Key distributions cover the shapes that stress a sort tree differently:
// uniform keys, skewed keys with many duplicates, and already ordered input.
package testutil
