package main

import (
	"os"

	"github.com/melih/lighthouse-builder/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
