package main

import "github.com/Fasd800/civitai-browser/cmd/civitai-browser/cmd"

func main() {
	cmd.Execute()
}
