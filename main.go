package main

import "github.com/ChicoPanama/Vanta-Bot-sub000/internal/cli"

func main() {
	cli.Execute()
}
