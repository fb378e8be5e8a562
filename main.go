package main

import "github.com/tanq16/hydra/cmd"

func main() {
	cmd.Execute()
}
