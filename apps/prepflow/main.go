package main

import "github.com/prepflowlabs/prepflow-cloud/internal/cli"

func main() {
	cli.Execute()
}
