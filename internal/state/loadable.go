package state

// LoadStatus is the load state of asynchronous data
type LoadStatus string

const (
	StatusIdle    LoadStatus = "idle"
	StatusPending LoadStatus = "pending"
	StatusSuccess LoadStatus = "success"
	StatusError   LoadStatus = "error"
)

// Loadable tags data with its load state. Data survives a transition to
// pending or error so consumers keep showing the last good value.
type Loadable[T any] struct {
	Status LoadStatus
	Data   T
	Err    error
}

// Idle returns an empty, not-yet-requested value
func Idle[T any]() Loadable[T] {
	return Loadable[T]{Status: StatusIdle}
}

// Loaded returns a successful value
func Loaded[T any](data T) Loadable[T] {
	return Loadable[T]{Status: StatusSuccess, Data: data}
}

// Pending marks l as in flight, keeping its data
func Pending[T any](l Loadable[T]) Loadable[T] {
	return Loadable[T]{Status: StatusPending, Data: l.Data}
}

// Failed marks l as failed, keeping its data
func Failed[T any](l Loadable[T], err error) Loadable[T] {
	return Loadable[T]{Status: StatusError, Data: l.Data, Err: err}
}

// IsLoaded reports whether the last load succeeded
func (l Loadable[T]) IsLoaded() bool {
	return l.Status == StatusSuccess
}
