package main

import "github.com/hanoi-build/steward/cmd"

func main() {
	cmd.Execute()
}
