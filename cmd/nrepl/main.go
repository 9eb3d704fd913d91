package main

import "github.com/zylisp/nrepl/internal/cli"

func main() {
	cli.Execute()
}
