package main

import "github.com/bryanchriswhite/StillSource/cmd/stillsource/commands"

func main() {
	commands.Execute()
}
