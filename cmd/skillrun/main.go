package main

import (
	"errors"
	"os"
)

func main() {
	err := Execute()
	switch {
	case err == nil:
	case errors.Is(err, errGateFailed):
		os.Exit(1)
	default:
		fatal(err)
		os.Exit(2)
	}
}
