package main

import "github.com/vietddude/reclaimer/internal/cli"

func main() {
	cli.Execute()
}
