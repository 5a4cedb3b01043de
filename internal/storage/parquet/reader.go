package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/sensorgw/internal/types"
)

// ReadFile reads every measurement of an archive file.
func ReadFile(path string) ([]types.Reading, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[MeasurementRow](f)
	defer reader.Close()

	rows := make([]MeasurementRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	readings := make([]types.Reading, n)
	for i := 0; i < n; i++ {
		readings[i] = fromRow(rows[i])
	}
	return readings, nil
}
