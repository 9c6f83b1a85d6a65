package main

import "github.com/andresmejia3/overwatch/cmd"

func main() {
	cmd.Execute()
}
