package main

import "github.com/nextlevelbuilder/difybridge/cmd"

func main() {
	cmd.Execute()
}
