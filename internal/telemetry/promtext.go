package telemetry

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// sample is a single parsed Prometheus exposition sample.
type sample struct {
	name   string
	labels map[string]string
	value  float64
}

// parsePrometheusText parses Prometheus exposition text line-by-line. Comment,
// blank and malformed lines are skipped.
func parsePrometheusText(data []byte) []sample {
	var samples []sample
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		s, ok := parseSampleLine(line)
		if !ok {
			continue
		}
		samples = append(samples, s)
	}

	return samples
}

// parseSampleLine parses a single Prometheus metric line:
//
//	metric_name{label1="val1",label2="val2"} value [timestamp]
func parseSampleLine(line string) (sample, bool) {
	var s sample

	braceStart := strings.IndexByte(line, '{')
	if braceStart < 0 {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return s, false
		}
		s.name = parts[0]
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return s, false
		}
		s.value = v
		return s, true
	}

	s.name = line[:braceStart]

	braceEnd := strings.LastIndexByte(line, '}')
	if braceEnd <= braceStart {
		return s, false
	}

	s.labels = parseLabels(line[braceStart+1 : braceEnd])

	parts := strings.Fields(line[braceEnd+1:])
	if len(parts) == 0 {
		return s, false
	}
	v, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return s, false
	}
	s.value = v

	return s, true
}

// parseLabels parses the label portion of a metric line, unescaping quoted values:
//
//	label1="val1",label2="val2"
func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		if len(s) == 0 || s[0] != '"' {
			break
		}
		s = s[1:]

		var val strings.Builder
		i := 0
		for i < len(s) {
			if s[i] == '\\' && i+1 < len(s) {
				switch s[i+1] {
				case '"':
					val.WriteByte('"')
				case '\\':
					val.WriteByte('\\')
				case 'n':
					val.WriteByte('\n')
				default:
					val.WriteByte('\\')
					val.WriteByte(s[i+1])
				}
				i += 2
				continue
			}
			if s[i] == '"' {
				break
			}
			val.WriteByte(s[i])
			i++
		}

		labels[key] = val.String()
		if i < len(s) {
			s = s[i+1:] // skip closing quote
		} else {
			s = ""
		}

		if len(s) > 0 && s[0] == ',' {
			s = s[1:]
		}
	}
	return labels
}
