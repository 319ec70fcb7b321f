package perflog

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ConvertGPULog converts the raw text output captured from the GPU
// monitoring tool into a CSV file.  Lines made up entirely of numeric
// fields are sample rows, the first non numeric line seen provides the
// column header.  Repeated header blocks emitted by the monitor are
// dropped.
func ConvertGPULog(src, dest string) error {

	f, err := os.Open(src)

	if err != nil {
		return fmt.Errorf("error opening raw GPU log: %w", err)
	}

	defer f.Close()

	var header []string
	var rows [][]string

	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())

		if len(fields) == 0 {
			continue
		}

		if numericFields(fields) {
			rows = append(rows, fields)
		} else if header == nil {
			header = fields
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading raw GPU log: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("error creating log directory: %w", err)
	}

	out, err := os.Create(dest)

	if err != nil {
		return fmt.Errorf("error creating GPU log CSV: %w", err)
	}

	defer out.Close()

	writer := csv.NewWriter(out)

	if header != nil {
		if err := writer.Write(header); err != nil {
			return err
		}
	}

	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()

	return writer.Error()
}

// numericFields reports whether every field parses as a number
func numericFields(fields []string) bool {

	for _, field := range fields {
		if _, err := strconv.ParseFloat(field, 64); err != nil {
			return false
		}
	}

	return true
}
