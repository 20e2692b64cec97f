package main

import "github.com/se7ensam/orion-AI/cmd"

func main() {
	cmd.Execute()
}
