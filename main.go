package main

import "tariffwatch/internal/cli"

func main() {
	cli.Execute()
}
