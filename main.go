// The main package for the checkout-crawler executable.
package main

import (
	"github.com/JakeFAU/checkout-crawler/cmd"
)

func main() {
	cmd.Execute()
}
