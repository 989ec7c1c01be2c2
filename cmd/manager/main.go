package main

import (
	"os"

	"clipfarm/manager-go/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args))
}
