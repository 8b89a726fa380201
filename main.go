package main

import "github.com/samsaffron/nohup/cmd"

func main() {
	cmd.Execute()
}
