package processing

type ChangeType int

const (
	Insert ChangeType = iota
	Update
	Delete
)

func (t ChangeType) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Change is a single transformed upstream message ready to be written.
type Change[T any] struct {
	Type   ChangeType
	Object T
}
