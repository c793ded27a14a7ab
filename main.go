package main

import "github.com/audiolibrelab/psrecorder/cmd"

func main() {
	cmd.Execute()
}
