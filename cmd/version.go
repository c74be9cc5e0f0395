// File: cmd/version.go
package cmd

// Version is the application version, overridable at build time:
//
//	go build -ldflags "-X github.com/formrelay/formrelay-cli/cmd.Version=1.2.3"
var Version = "0.1.0-dev"
