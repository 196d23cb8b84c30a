package main

import (
	"github.com/mcastellin/fleetwarden/cmd/fleetwarden/cmd"
)

func main() {
	cmd.Execute()
}
