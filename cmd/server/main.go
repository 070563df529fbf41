package main

import "nexusdesk/cmd/cli"

func main() {
	cli.Execute()
}
