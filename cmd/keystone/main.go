package main

import "southwinds.dev/keystone/cli/cmd"

func main() {
	cmd.Execute()
}
