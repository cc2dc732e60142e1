package main

import (
	"github.com/connectias/sandboxcore/tools/requestidlint"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(requestidlint.Analyzer)
}
