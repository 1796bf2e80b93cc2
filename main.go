package main

import "github.com/brensch/twicmerge/cmd"

func main() {
	cmd.Execute()
}
