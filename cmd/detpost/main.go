package main

import "github.com/MeKo-Tech/detpost/cmd/detpost/cmd"

func main() {
	cmd.Execute()
}
