package main

import "github.com/arcward/tallybot/cmd"

func main() {
	cmd.Execute()
}
