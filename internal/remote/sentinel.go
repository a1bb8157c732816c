package remote

// Field value sentinels, resolved by the store at write time.

type serverTimestamp struct{}

type deleteField struct{}

type increment struct{ n int64 }

// ServerTimestamp resolves to the store's own clock at commit time.
// Used for every ordering-sensitive field so client clocks never matter.
var ServerTimestamp any = serverTimestamp{}

// DeleteField removes the addressed field from the document.
var DeleteField any = deleteField{}

// Increment adds n to the current numeric value of the addressed field,
// treating a missing field as zero.
func Increment(n int64) any { return increment{n: n} }

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// IsDeleteField reports whether v is the DeleteField sentinel.
func IsDeleteField(v any) bool {
	_, ok := v.(deleteField)
	return ok
}

// IncrementValue returns the delta carried by an Increment sentinel.
func IncrementValue(v any) (int64, bool) {
	inc, ok := v.(increment)
	return inc.n, ok
}
