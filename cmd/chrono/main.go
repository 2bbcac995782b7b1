package main

import (
	"fmt"
	"os"

	"github.com/psantana5/slotem-chrono/cmd/chrono/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
