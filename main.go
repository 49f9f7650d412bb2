package main

import "github.com/buildguard/scanpipe/cmd"

func main() {
	cmd.Execute()
}
