package main

import "github.com/hussein-aitlahcen/requestNetwork/cmd"

func main() {
	cmd.Execute()
}
