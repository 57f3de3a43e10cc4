// Command backupclose reports online backups that are never closed.
//
// It runs as a vet tool:
//
//	go vet -vettool=$(which backupclose) ./...
package main

import (
	"github.com/TroutSoftware/litebackup/backupclose"
	"golang.org/x/tools/go/analysis/unitchecker"
)

func main() {
	unitchecker.Main(backupclose.Analyzer)
}
