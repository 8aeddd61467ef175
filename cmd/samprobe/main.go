// Command samprobe replays audio through a running voice turn service and reports
// how each turn ended and how long it took.
//
// Usage:
//
//	samprobe run --base-url http://127.0.0.1:8080 --turns 3 --wav hello.wav
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "samprobe:", err)
		os.Exit(1)
	}
}
