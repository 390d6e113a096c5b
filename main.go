package main

import (
	"fmt"
	"os"

	"ionengine/cmd"
)

const version = "0.2.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Println(version)
		os.Exit(0)
	}

	os.Exit(cmd.Execute())
}
