// uwbctl -- CLI client for the uwbd ranging session manager daemon.
package main

import "github.com/dantte-lp/uwbd/cmd/uwbctl/commands"

func main() {
	commands.Execute()
}
