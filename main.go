package main

import "github.com/philasting/assetpipe/cmd"

func main() {
	cmd.Execute()
}
