package main

import (
	"os"

	"github.com/G-Research/rdapipeline/cmd/rdapipeline/cmd"
	"github.com/G-Research/rdapipeline/internal/common/logging"
)

func main() {
	logging.ConfigureLogging()
	os.Exit(cmd.Execute())
}
