package main

import "meetrelay/internal/cli"

func main() {
	cli.Execute()
}
