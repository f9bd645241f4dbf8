package filter

// noOpFilter answers "maybe" for every key. Tables without a filter file use it.
type noOpFilter struct{}

var _ Filter = noOpFilter{}

func (noOpFilter) MayContain(key []byte) bool {
	return true
}

// NewNoOpFilter creates a filter that never excludes a key.
func NewNoOpFilter() Filter {
	return noOpFilter{}
}
