package prices

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseHourLabel extracts the starting hour from a tariff row label such as
// "07:00 - 08:00". Only the leading hour matters; the range end is ignored.
func ParseHourLabel(label string) (int, error) {
	lead := label
	if idx := strings.Index(label, "-"); idx >= 0 {
		lead = label[:idx]
	}
	lead = strings.TrimSpace(lead)

	hourPart, _, _ := strings.Cut(lead, ":")
	hour, err := strconv.Atoi(strings.TrimSpace(hourPart))
	if err != nil {
		return 0, fmt.Errorf("bad hour label %q", label)
	}
	if hour < 0 || hour >= HoursPerDay {
		return 0, fmt.Errorf("hour %d out of range in label %q", hour, label)
	}
	return hour, nil
}

// ParseCSV reads a tariff table in the exported format: a header row naming
// the Purchase and Sale columns, then one row per hour keyed by an hour-range
// label in the first column. Rows that cannot be parsed are skipped and
// reported in the second return so callers can log them.
func ParseCSV(r io.Reader) (*Table, []string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	purchaseCol, saleCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "purchase":
			purchaseCol = i
		case "sale":
			saleCol = i
		}
	}
	if purchaseCol < 0 || saleCol < 0 {
		return nil, nil, fmt.Errorf("header %v missing Purchase/Sale columns", header)
	}

	table := &Table{}
	var skipped []string
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if len(record) <= purchaseCol || len(record) <= saleCol {
			skipped = append(skipped, fmt.Sprintf("line %d: too few columns", line))
			continue
		}

		hour, err := ParseHourLabel(record[0])
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		purchase, err := strconv.ParseFloat(strings.TrimSpace(record[purchaseCol]), 64)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: bad purchase price: %v", line, err))
			continue
		}
		sale, err := strconv.ParseFloat(strings.TrimSpace(record[saleCol]), 64)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: bad sale price: %v", line, err))
			continue
		}
		if purchase < 0 || sale < 0 {
			skipped = append(skipped, fmt.Sprintf("line %d: negative price", line))
			continue
		}

		table.entries[hour] = Entry{Purchase: purchase, Sale: sale}
		table.present[hour] = true
	}

	if table.Len() == 0 {
		return nil, skipped, fmt.Errorf("no usable tariff rows")
	}
	return table, skipped, nil
}
