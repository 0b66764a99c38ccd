package main

import (
	"github.com/gatewarden/gatewarden/cmd"
)

func main() {
	cmd.Execute()
}
