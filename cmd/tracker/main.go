package main

import (
	"os"
	_ "time/tzdata"

	"trade-narrator/cmd/tracker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
