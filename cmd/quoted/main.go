package main

import "quote-engine/internal/cli"

func main() {
	cli.Execute()
}
