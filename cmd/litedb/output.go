package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v2"
)

type resultSet struct {
	columns []string
	rows    [][]any
}

func (r resultSet) stringRows() [][]string {
	out := make([][]string, len(r.rows))
	for i, row := range r.rows {
		out[i] = make([]string, len(row))
		for j, v := range row {
			out[i][j] = formatValue(v)
		}
	}
	return out
}

// blobPreview is how many bytes of a blob are shown in a table.
const blobPreview = 16

// formatValue renders a column value for table output.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		if len(x) <= blobPreview {
			return "x'" + hex.EncodeToString(x) + "'"
		}
		return fmt.Sprintf("x'%s…' (%s)", hex.EncodeToString(x[:blobPreview]), humanize.Bytes(uint64(len(x))))
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case uuid.UUID:
		return x.String()
	case string:
		return x
	}
	return fmt.Sprintf("%v", v)
}

func writeTable(w io.Writer, headers []string, rows [][]string) {
	var table = tablewriter.NewWriter(w)
	table.SetHeader(headers)
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}

// yamlValue converts values yaml.v2 would not render readably.
func yamlValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return hex.EncodeToString(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case uuid.UUID:
		return x.String()
	}
	return v
}

// writeYAML prints one mapping per row, with keys in column order.
func writeYAML(w io.Writer, r resultSet) error {
	docs := make([]yaml.MapSlice, len(r.rows))
	for i, row := range r.rows {
		m := make(yaml.MapSlice, len(row))
		for j, v := range row {
			m[j] = yaml.MapItem{Key: r.columns[j], Value: yamlValue(v)}
		}
		docs[i] = m
	}
	b, err := yaml.Marshal(docs)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
