package main

import "github.com/stephnangue/custodian/cmd"

func main() {
	cmd.Execute()
}
