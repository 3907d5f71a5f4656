// Command devgate はDev AI OSのバックエンドを起動する。
//
//	devgate [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/devgate/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "devgate: %v\n", err)
		os.Exit(1)
	}
}
