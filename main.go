// Package main is the entry point for the grackle CLI.
package main

import "github.com/grackle-fuzz/grackle/cmd"

func main() {
	cmd.Execute()
}
