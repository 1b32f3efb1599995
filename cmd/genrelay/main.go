package main

import "github.com/vietddude/genrelay/internal/cli"

func main() {
	cli.Execute()
}
