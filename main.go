package main

import "github.com/jmehdipour/customer-cqrs/cmd"

func main() {
	cmd.Execute()
}
