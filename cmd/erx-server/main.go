package main

import "github.com/open-eprescription/erx-service/internal/cli"

func main() {
	cli.Execute()
}
