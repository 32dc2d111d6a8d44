package main

import "trade-guard/internal/cli"

func main() {
	cli.Execute()
}
