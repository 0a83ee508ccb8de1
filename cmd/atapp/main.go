package main

import "github.com/anthanhphan/atapp/internal/cli"

func main() {
	cli.Execute()
}
