package main

import (
	"os"

	"relaychat/internal/app"
)

// @title           Relay Chat API
// @version         1.0
// @description     Streams chat replies from a hosted model and keeps conversation history.
// @BasePath        /api
func main() {
	os.Exit(app.Run())
}
