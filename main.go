package main

import "github.com/nextlevelbuilder/devlink/cmd"

func main() {
	cmd.Execute()
}
