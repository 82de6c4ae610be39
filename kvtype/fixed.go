// Package kvtype defines the type constraint the index engine requires of
// keys and values: fixed-width, trivially-copyable ("POD") scalars, so that
// the default node marshaller can encode them with encoding/binary without
// reflection or a caller-supplied codec.
package kvtype

// Fixed is satisfied only by explicitly-sized numeric kinds. int and uint
// are deliberately excluded even though they're POD: their width is
// platform-dependent, and encoding/binary.Write rejects them outright, so
// admitting them here would trade a compile error for a runtime one at
// first eviction. Instantiating a store with a type outside this set
// (string, a slice, a pointer, a struct with variable-length fields...) is a
// compile error: non-POD types require a caller-supplied marshaller, and the
// default marshaller rejects them at compile time rather than at runtime.
type Fixed interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}
