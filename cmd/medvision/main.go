package main

import "github.com/MeKo-Tech/medvision/cmd/medvision/cmd"

func main() {
	cmd.Execute()
}
