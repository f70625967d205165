package main

import "github.com/felixgeelhaar/strata/cmd/strata/cli"

func main() {
	cli.Execute()
}
