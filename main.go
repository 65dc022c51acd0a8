package main

import "github.com/audiolibrelab/screenclip/cmd"

func main() {
	cmd.Execute()
}
