package main

import "AutoSedance-server/cmd"

func main() {
	cmd.Execute()
}
