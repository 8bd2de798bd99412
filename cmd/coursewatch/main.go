package main

import (
	"context"
	"coursewatch/cmd/coursewatch/commands"
)

func main() {
	commands.ExecuteContext(context.Background())
}
