package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	os.Exit(run())
}

func run() int {
	defer memguard.Purge()

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errCheckFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}
