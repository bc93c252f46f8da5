package main

import "github.com/agentic-research/ebb/cmd"

func main() {
	cmd.Execute()
}
