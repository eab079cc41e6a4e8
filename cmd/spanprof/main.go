package main

import "github.com/span-profiler/cmd/spanprof/cmd"

func main() {
	cmd.Execute()
}
