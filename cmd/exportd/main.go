package main

import "github.com/Arcay322/Granja-cuyes-sub002/cli"

func main() {
	cli.Execute()
}
