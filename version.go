package main

import "fmt"

// Set with -ldflags "-X main.gitSHA1=..." at build time.
var (
	gitSHA1   string = "unknown"
	gitDirty  string = "unknown"
	buildID   string = "unknown"
	buildDate string = "unknown"
)

const httpdVersion = "0.1.0"

func Version() string {
	return fmt.Sprintf("httpd v=%s sha=%s:%s build=%s date=%s", httpdVersion, gitSHA1, gitDirty, buildID, buildDate)
}
