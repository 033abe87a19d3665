package main

import (
	"os"

	"github.com/convertful/integrations/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
