package main

import "github.com/fabfab/go-assistant/cmd"

func main() {
	cmd.Execute()
}
