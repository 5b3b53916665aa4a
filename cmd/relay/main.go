package main

import (
	"os"

	"relay/cmd/internal/app"
)

func main() {
	os.Exit(app.Execute())
}
