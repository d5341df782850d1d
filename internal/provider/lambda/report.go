package lambda

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/fnbay/internal/api"
)

var errNoEndMarker = errors.New("log tail has no END RequestId line")

// reportKeys renames REPORT fields.
var reportKeys = map[string]string{
	"RequestId":       "requestId",
	"Duration":        "durationMs",
	"Billed Duration": "billedDurationMs",
	"Memory Size":     "memorySizeMb",
	"Max Memory Used": "maxMemoryUsedMb",
}

// ExecutionReport is what can be recovered from an invocation's log tail.
type ExecutionReport struct {
	BootError        bool
	RequestID        string
	Logs             []api.LogLine
	Fields           map[string]any
	DurationMS       float64
	BilledDurationMS float64
}

// ParseExecutionReport parses a decoded Lambda log tail. Lines between START
// and END are the function's own output; lines carrying the request id start
// a new timestamped entry and other lines continue the previous one. startMS
// stamps lines seen before any timestamp. An ERROR line ahead of START marks
// an initialization failure. Timings are -1 when the report lacks them.
func ParseExecutionReport(tail string, startMS int64) (ExecutionReport, error) {
	rep := ExecutionReport{DurationMS: -1, BilledDurationMS: -1}
	lines := strings.Split(tail, "\n")

	start := 0
	for ; start < len(lines); start++ {
		line := lines[start]
		if strings.Contains(line, "START RequestId") || strings.Contains(line, "END RequestId") {
			break
		}
		if strings.Contains(line, "ERROR") {
			rep.BootError = true
			start--
			break
		}
	}

	end := len(lines) - 1
	for end >= 0 && !strings.Contains(lines[end], "END RequestId") {
		end--
	}
	if end < 0 {
		return rep, errNoEndMarker
	}

	reportLine := ""
	if end+1 < len(lines) {
		reportLine = lines[end+1]
	}
	rep.Fields = parseReportLine(reportLine)
	rep.RequestID, _ = rep.Fields["requestId"].(string)
	if v, ok := rep.Fields["durationMs"].(float64); ok {
		rep.DurationMS = v
	}
	if v, ok := rep.Fields["billedDurationMs"].(float64); ok {
		rep.BilledDurationMS = v
	}
	if rep.RequestID == "" || start+1 > end {
		return rep, nil
	}

	current := startMS
	for _, line := range lines[start+1 : end] {
		if line == "" {
			continue
		}
		if strings.Contains(line, rep.RequestID) {
			parts := strings.SplitN(line, rep.RequestID, 2)
			ts, rest := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			if ts == "" || rest == "" {
				continue
			}
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				current = parsed.UnixMilli()
			}
			line = strings.Replace(rest, "ERROR\t", "", 1)
			line = strings.Replace(line, "INFO\t", "", 1)
		}
		rep.Logs = append(rep.Logs, api.LogLine{TimestampMS: current, Message: line})
	}
	return rep, nil
}

// parseReportLine reads "REPORT Key: value\tKey: value ..." into a map with
// renamed keys; values in ms or MB become numbers.
func parseReportLine(line string) map[string]any {
	out := map[string]any{}
	line = strings.TrimPrefix(strings.TrimSpace(line), "REPORT")
	for _, part := range strings.Split(line, "\t") {
		key, value, ok := strings.Cut(part, ": ")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		if mapped, ok := reportKeys[key]; ok {
			key = mapped
		}
		out[key] = reportValue(value)
	}
	return out
}

func reportValue(v string) any {
	for _, unit := range []string{"ms", "MB"} {
		if strings.HasSuffix(v, unit) {
			if n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(v, unit)), 64); err == nil {
				return n
			}
		}
	}
	return v
}
