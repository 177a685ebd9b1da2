package main

import (
	"github.com/josephgoksu/rulegate/cmd"
	"github.com/josephgoksu/rulegate/internal/logger"
)

func main() {
	defer logger.HandlePanic()
	cmd.Execute()
}
