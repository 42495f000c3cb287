// Package queryir provides the node selector intermediate representation
// shared by NodeStore's linear scan and the analytics index's SQL backend.
//
// A selector is written once and evaluated either way:
//
//	[Select] → Match (in-memory scan over node documents)
//	         → querysql.Compile (parameterized SQL against the index)
//
// Both backends must return the same set of node ids for the same
// selector; the scan is the reference semantics and the index is an
// accelerator that may lag behind the documents.
//
// SEALED INTERFACES:
//
// Predicate is a sealed interface using the marker method pattern. Only
// types in this package implement it, so backends can switch exhaustively:
//
//	switch p := pred.(type) {
//	case Equals:
//	case In:
//	case HasEdge:
//	case And:
//	}
package queryir
