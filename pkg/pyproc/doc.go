// Package pyproc is a low-level package that reconstructs Python values
// from the memory of a foreign CPython process.
//
// pyproc implements all core functionality including:
// * reading object headers out of raw target memory
// * classifying objects by their runtime type metadata
// * recursively decoding containers, instances and frames into proxy values
// * guarding against corrupt and cyclic data
//
// It never assumes the target is alive: the same code inspects live
// processes and core dumps through the Memory interface.
package pyproc
