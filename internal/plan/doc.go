// Package plan builds and compiles step graphs.
//
// A Graph is an arena of Steps connected by dependency edges. Steps are added
// while the graph is open; Compile locks it, merges equivalent steps, places
// every step on a result-tree layer and finalizes each survivor exactly once.
// A compiled graph is immutable and may be executed any number of times by
// package exec.
package plan
