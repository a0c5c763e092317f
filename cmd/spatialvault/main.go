package main

import "github.com/spatialvault/spatialvault/internal/cli"

func main() {
	cli.Execute()
}
