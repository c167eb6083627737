package main

import "github.com/crewdhq/crewd/cmd"

func main() {
	cmd.Execute()
}
