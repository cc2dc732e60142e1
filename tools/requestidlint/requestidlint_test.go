package requestidlint_test

import (
	"testing"

	"github.com/connectias/sandboxcore/tools/requestidlint"
	"golang.org/x/tools/go/analysis/analysistest"
)

func TestAnalyzer(t *testing.T) {
	analysistest.Run(t, analysistest.TestData(), requestidlint.Analyzer, "internal/hostapi/good", "internal/hostapi/bad")
}
