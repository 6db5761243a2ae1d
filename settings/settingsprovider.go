package settings

type SettingsProvider[T any] interface {
	// GetSettings returns the current settings of type T.
	GetSettings() T
}

// StaticProvider always returns the same value. Handy for tests and one-shot commands.
type StaticProvider[T any] struct {
	Value T
}

func (p StaticProvider[T]) GetSettings() T {
	return p.Value
}
