package main

import "github.com/wormhole-demo/txengine/cmd"

func main() {
	cmd.Execute()
}
