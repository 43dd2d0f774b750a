package main

import "github.com/bubblerlabs/hatchwatch/cmd"

func main() {
	cmd.Execute()
}
