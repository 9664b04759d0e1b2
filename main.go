package main

import "github.com/pigpt/pigpt/cmd"

func main() {
	cmd.Execute()
}
