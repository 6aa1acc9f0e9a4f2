// Copyright (C) 2025 Dyne.org foundation
// designed, written and maintained by Denis Roio <jaromil@dyne.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/mail"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

type weekdayArgs struct {
	Input  string `json:"input" arg:"path" jsonschema:"description=File with one date per line"`
	Output string `json:"output" arg:"path" jsonschema:"description=File that receives the count"`
	Day    string `json:"day,omitempty" arg:"enum=monday|tuesday|wednesday|thursday|friday|saturday|sunday,default=wednesday" jsonschema:"description=Day of the week to count"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"02-Jan-2006",
	"Jan 02, 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
	"02/01/2006",
	time.RFC3339,
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func (e *env) countWeekday(_ context.Context, args weekdayArgs) (string, error) {
	content, err := e.readText(args.Input)
	if err != nil {
		return "", err
	}
	want := weekdays[args.Day]

	count := 0
	for i, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		t, err := parseDate(line)
		if err != nil {
			return "", fmt.Errorf("line %d: %w", i+1, err)
		}
		if t.Weekday() == want {
			count++
		}
	}

	out, err := e.writeOutput(args.Output, strconv.Itoa(count))
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("counted %d %s dates", count, args.Day), out), nil
}

type contactsArgs struct {
	Input  string `json:"input" arg:"path" jsonschema:"description=JSON file with an array of contacts"`
	Output string `json:"output" arg:"path" jsonschema:"description=File that receives the sorted contacts"`
}

func (e *env) sortContacts(_ context.Context, args contactsArgs) (string, error) {
	data, err := e.Guard.ReadFile(args.Input)
	if err != nil {
		return "", err
	}
	var contacts []map[string]interface{}
	if err := json.Unmarshal(data, &contacts); err != nil {
		return "", fmt.Errorf("contacts file is not a JSON array of objects: %w", err)
	}

	field := func(c map[string]interface{}, key string) string {
		if v, ok := c[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	sort.SliceStable(contacts, func(i, j int) bool {
		li, lj := field(contacts[i], "last_name"), field(contacts[j], "last_name")
		if li != lj {
			return li < lj
		}
		return field(contacts[i], "first_name") < field(contacts[j], "first_name")
	})

	sorted, err := json.MarshalIndent(contacts, "", "  ")
	if err != nil {
		return "", err
	}
	out, err := e.writeOutput(args.Output, string(sorted))
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("sorted %d contacts", len(contacts)), out), nil
}

type recentLogsArgs struct {
	InputDir string `json:"input_dir" arg:"path" jsonschema:"description=Directory containing .log files"`
	Output   string `json:"output" arg:"path" jsonschema:"description=File that receives the first lines"`
	Count    int    `json:"count,omitempty" arg:"integer,default=10" validate:"min=1,max=1000" jsonschema:"description=Number of recent files to read"`
}

func (e *env) recentLogs(_ context.Context, args recentLogsArgs) (string, error) {
	type logFile struct {
		path    string
		name    string
		modTime time.Time
	}
	var logs []logFile
	err := e.Guard.Walk(args.InputDir, false, func(rel, resolved string, info fs.FileInfo) error {
		if strings.HasSuffix(rel, ".log") {
			logs = append(logs, logFile{path: resolved, name: rel, modTime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Slice(logs, func(i, j int) bool {
		if !logs[i].modTime.Equal(logs[j].modTime) {
			return logs[i].modTime.After(logs[j].modTime)
		}
		return logs[i].name < logs[j].name
	})
	if len(logs) > args.Count {
		logs = logs[:args.Count]
	}

	lines := make([]string, 0, len(logs))
	for _, l := range logs {
		line, err := e.firstLine(l.path)
		if err != nil {
			return "", err
		}
		lines = append(lines, line)
	}

	out, err := e.writeOutput(args.Output, strings.Join(lines, "\n"))
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("collected first lines of %d log files", len(lines)), out), nil
}

func (e *env) firstLine(path string) (string, error) {
	f, err := e.Guard.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

type senderArgs struct {
	Input  string `json:"input" arg:"path" jsonschema:"description=Email message file"`
	Output string `json:"output" arg:"path" jsonschema:"description=File that receives the sender address"`
}

var emailPattern = regexp.MustCompile(`[\w.+-]+@[\w-]+(?:\.[\w-]+)+`)

func (e *env) extractSender(_ context.Context, args senderArgs) (string, error) {
	data, err := e.Guard.ReadFile(args.Input)
	if err != nil {
		return "", err
	}

	address := senderFromHeaders(data)
	if address == "" {
		address = emailPattern.FindString(string(data))
	}
	if address == "" {
		return "", fmt.Errorf("no email address found in %s", args.Input)
	}

	out, err := e.writeOutput(args.Output, address)
	if err != nil {
		return "", err
	}
	return wrote("extracted "+address, out), nil
}

func senderFromHeaders(data []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	from := msg.Header.Get("From")
	if from == "" {
		return ""
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return emailPattern.FindString(from)
	}
	return addr.Address
}

type filterCSVArgs struct {
	Input  string `json:"input" arg:"path" jsonschema:"description=CSV file with a header row"`
	Column string `json:"column,omitempty" arg:"string" jsonschema:"description=Column to filter on"`
	Value  string `json:"value,omitempty" arg:"string" jsonschema:"description=Value the column must equal"`
}

func (e *env) filterCSV(_ context.Context, args filterCSVArgs) (string, error) {
	f, err := e.Guard.Open(args.Input)
	if err != nil {
		return "", err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return "", fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	column := -1
	if args.Column != "" {
		for i, name := range header {
			if name == args.Column {
				column = i
				break
			}
		}
		if column < 0 {
			return "", fmt.Errorf("column %q not found in %s", args.Column, args.Input)
		}
	}

	rows := make([]map[string]string, 0)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read CSV: %w", err)
		}
		if column >= 0 && (column >= len(record) || record[column] != args.Value) {
			continue
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}

	result, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(result), nil
}
