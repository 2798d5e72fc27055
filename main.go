// The main package for the product-stream executable.
package main

import (
	"github.com/JakeFAU/realtime-product-stream/cmd"
)

func main() {
	cmd.Execute()
}
