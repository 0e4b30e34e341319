package main

import (
	"github.com/concordlabs/concord/cmd/concord/internal"
)

func main() {
	internal.Execute()
}
