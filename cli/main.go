package main

import "southwinds.dev/armor/cli/cmd"

func main() {
	cmd.Execute()
}
