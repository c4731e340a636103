// Command gridrunner runs the tests registered in this binary. Projects
// usually build their own copy that imports their test packages:
//
//	import (
//		"os"
//
//		"github.com/odvcencio/gridrunner/pkg/cli"
//		_ "example.com/shop/e2e"
//	)
//
//	func main() { os.Exit(cli.Main(os.Args[1:])) }
package main

import (
	"os"

	"github.com/odvcencio/gridrunner/pkg/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:]))
}
