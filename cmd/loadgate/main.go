package main

import (
	"os"

	"github.com/tasklane/loadgate/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
