package main

import "github.com/zenamanage/writepath/internal/cli"

func main() {
	cli.Execute()
}
