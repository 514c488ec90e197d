package main

import (
	"driftwatch/internal/cli"
)

func main() {
	cli.Execute()
}
