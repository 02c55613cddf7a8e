package main

import "crx-points/internal/cli"

func main() {
	cli.Execute()
}
