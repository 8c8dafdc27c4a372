// Package main is the entry point for the cdf CLI binary.
package main

import (
	"os"

	cli "cdflake/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
