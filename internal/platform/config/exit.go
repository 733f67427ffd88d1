package config

import (
	"fmt"
	"os"
)

// Exitf prints a formatted message to stderr and terminates the process with
// status 1. Commands use it for fatal startup errors.
func Exitf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, fmt.Sprintf(format, args...))
	os.Exit(1)
}
