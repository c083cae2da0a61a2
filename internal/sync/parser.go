package sync

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// ParseResult is the outcome of one parse-and-validate pass: the records
// that survived validation, in input order, and the count of rows
// dropped for a missing user_id or malformed email.
type ParseResult struct {
	Records []ValidatedRecord
	Skipped int
}

// ParseAndValidate streams CSV text into ValidatedRecords. The first
// line must be a header; rows failing validation are dropped and counted,
// never fatal. Only an unreadable header or a broken reader aborts.
func ParseAndValidate(r io.Reader) (*ParseResult, error) {
	csvReader := csv.NewReader(r)
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true
	csvReader.TrimLeadingSpace = true

	header, err := csvReader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("input is empty")
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make([]string, len(header))
	for i, name := range header {
		columns[i] = NormalizeColumn(name)
	}

	result := &ParseResult{}
	for {
		fields, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Skipped++
			continue
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if col == "" || i >= len(fields) {
				continue
			}
			row[col] = cleanValue(fields[i])
		}

		rec, ok := ValidateRow(row)
		if !ok {
			result.Skipped++
			continue
		}
		result.Records = append(result.Records, rec)
	}

	return result, nil
}

// ValidateRow turns a Row into a ValidatedRecord. It fails when user_id
// is blank or email does not have a local@domain.tld shape; numeric
// columns that fail to parse default to zero rather than failing the row.
// Emails are lowercased so existence checks line up with the CRM, which
// stores them case-folded.
func ValidateRow(row Row) (ValidatedRecord, bool) {
	userID := row["user_id"]
	email := strings.ToLower(row["email"])

	if userID == "" {
		return ValidatedRecord{}, false
	}
	if email == "" || !emailRegex.MatchString(email) {
		return ValidatedRecord{}, false
	}

	return ValidatedRecord{
		UserID:          userID,
		Email:           email,
		UserType:        row["user_type"],
		ActiveSub:       parseBool(row["active_sub"]),
		WeeklySubCount:  parseCount(row["weekly_sub_count"]),
		MonthlySubCount: parseCount(row["monthly_sub_count"]),
		DailySubCount:   parseCount(row["daily_sub_count"]),
	}, true
}

// NormalizeColumn canonicalizes a header name: lowercased, trimmed,
// internal whitespace runs collapsed to single underscores.
func NormalizeColumn(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	return whitespaceRun.ReplaceAllString(normalized, "_")
}

// cleanValue trims a field and strips one layer of surrounding quotes.
func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			v = strings.TrimSpace(v[1 : len(v)-1])
		}
	}
	return v
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
	return err == nil && b
}

func parseCount(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
