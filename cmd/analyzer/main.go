package main

import (
	"github.com/JakeFAU/site-analyzer/cmd"
)

func main() {
	cmd.Execute()
}
