package main

import "github.com/legato/listen/cmd"

func main() {
	cmd.Execute()
}
