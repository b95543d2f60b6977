package main

import "github.com/encodeous/arbor/cmd"

func main() {
	cmd.Execute()
}
