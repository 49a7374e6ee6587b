package main

import "c4e-agent/internal/cli"

func main() {
	cli.Execute()
}
