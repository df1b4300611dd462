package main

import "github.com/vietddude/campaigner/internal/cli"

func main() {
	cli.Execute()
}
