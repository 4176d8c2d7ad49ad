package main

import "github.com/nextlevelbuilder/webbrain/cmd"

func main() {
	cmd.Execute()
}
