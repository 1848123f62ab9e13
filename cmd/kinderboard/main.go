package main

import "github.com/kinderboard/relay/cmd/kinderboard/cmd"

func main() {
	cmd.Execute()
}
