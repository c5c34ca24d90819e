package main

import "github.com/Control-D-Inc/tunneld/cmd/cli"

func main() {
	cli.Main()
}
