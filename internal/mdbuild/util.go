package mdbuild

import "fmt"

// debugf prints debug messages when Debug is true
func debugf(format string, args ...any) {
	if Debug {
		fmt.Printf(format, args...)
	}
}

// stepf prints the standard "-> message" progress line.
func stepf(format string, args ...any) {
	colArrow.Print("-> ")
	colSuccess.Printf(format, args...)
}
