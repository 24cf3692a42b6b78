package util

import "fmt"

// Must returns v or panics if err is set. It is meant for package-level
// initialisation of values that can only fail on a programming error.
func Must[V any](v V, err error) V {
	if err != nil {
		panic(fmt.Sprintf("util.Must: %v", err))
	}

	return v
}
