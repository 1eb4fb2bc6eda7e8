// Package main is the entry point for the quern application
package main

import (
	"github.com/quernlabs/quern/cmd"
)

func main() {
	cmd.Execute()
}
