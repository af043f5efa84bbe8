package db

import (
	"database/sql/driver"
	"sync"

	"modernc.org/sqlite"

	"github.com/rowjay/tender-mirror/internal/ocds"
)

var registerOnce sync.Once

// registerFunctions exposes the trigram scorers to SQL as
// similarity(a, b) and word_similarity(query, text).
func registerFunctions() {
	registerOnce.Do(func() {
		sqlite.MustRegisterDeterministicScalarFunction("similarity", 2, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return ocds.Similarity(text(args[0]), text(args[1])), nil
		})
		sqlite.MustRegisterDeterministicScalarFunction("word_similarity", 2, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return ocds.WordSimilarity(text(args[0]), text(args[1])), nil
		})
	})
}

func text(v driver.Value) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
