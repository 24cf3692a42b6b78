package conf

// DefaultConfig holds default values keyed by their dotted config path.
type DefaultConfig map[string]any
