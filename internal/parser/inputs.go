package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
)

var flowCheckColumns = []string{"source", "destination", "application", "expect"}

// ParseFlowChecks reads a CSV with Source, Destination, Application and
// Expect columns in any order. Rows that cannot be read are skipped.
func ParseFlowChecks(r io.Reader) ([]model.FlowCheck, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	colMap := make(map[string]int)
	for i, colName := range header {
		colMap[strings.ToLower(strings.TrimSpace(colName))] = i
	}
	for _, col := range flowCheckColumns {
		if _, ok := colMap[col]; !ok {
			return nil, fmt.Errorf("could not find '%s' column in flow check file", col)
		}
	}

	var checks []model.FlowCheck
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				slog.Warn("Skipping malformed flow check row", "line", line, "error", err)
				continue
			}
			return nil, err
		}

		check, err := parseFlowCheck(record, colMap)
		if err != nil {
			slog.Warn("Skipping invalid flow check row", "line", line, "error", err)
			continue
		}
		check.Line = line
		checks = append(checks, check)
	}
	return checks, nil
}

func parseFlowCheck(record []string, colMap map[string]int) (model.FlowCheck, error) {
	field := func(col string) string {
		if i := colMap[col]; i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	check := model.FlowCheck{
		Source:      field("source"),
		Destination: field("destination"),
		Application: field("application"),
	}
	if check.Application == "" {
		return check, errors.New("missing application")
	}

	var err error
	if check.Src, err = ParseAddressList(check.Source); err != nil {
		return check, fmt.Errorf("source: %w", err)
	}
	if check.Dst, err = ParseAddressList(check.Destination); err != nil {
		return check, fmt.Errorf("destination: %w", err)
	}
	if check.Expect, err = parseExpect(field("expect")); err != nil {
		return check, err
	}
	return check, nil
}

// ParseAddressList reads addresses and prefixes separated by blanks or
// semicolons. "any" is the whole IPv4 space.
func ParseAddressList(s string) (ipset.PrefixSet, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return ipset.PrefixSet{}, errors.New("no address given")
	}
	var set ipset.PrefixSet
	for _, f := range fields {
		if strings.EqualFold(f, model.AnyApp) {
			set = set.Union(ipset.Any())
			continue
		}
		parsed, err := ipset.Parse(f)
		if err != nil {
			return ipset.PrefixSet{}, err
		}
		set = set.Union(parsed)
	}
	return set, nil
}

func parseExpect(s string) (model.Action, error) {
	switch strings.ToLower(s) {
	case "permit", "allow", "accept":
		return model.Permit, nil
	case "deny", "drop", "reject":
		return model.Deny, nil
	}
	return "", fmt.Errorf("unknown expectation %q", s)
}
