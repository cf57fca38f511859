// Package subtitle renders a completed job's result into SRT or VTT
// subtitle text, and parses SRT back for round-trip verification. It is
// the concrete shape behind the subtitle string formatter collaborator
// named in spec §1/§6: the HTTP surface (GET /tasks/{id}/subtitle) is
// indifferent to the renderer's internals, only its {text, error} contract.
package subtitle

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maauso/asr-gateway/internal/job"
)

// Format is a supported subtitle container.
type Format string

const (
	FormatSRT Format = "srt"
	FormatVTT Format = "vtt"
)

// Valid reports whether f is a recognized subtitle format.
func (f Format) Valid() bool {
	return f == FormatSRT || f == FormatVTT
}

// ErrUnsupportedFormat is returned by Render for any format other than
// srt/vtt.
var ErrUnsupportedFormat = errors.New("subtitle: unsupported format")

// ErrNoResult is returned when Render is called on a job with no result,
// i.e. one that is not yet completed (§6: 409 if job not completed).
var ErrNoResult = errors.New("subtitle: job has no result")

// Render produces subtitle text for a completed job's result in the
// requested format.
func Render(result *job.Result, format Format) (string, error) {
	if result == nil {
		return "", ErrNoResult
	}
	switch format {
	case FormatSRT:
		return renderSRT(result), nil
	case FormatVTT:
		return renderVTT(result), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func renderSRT(result *job.Result) string {
	var b strings.Builder
	for i, seg := range result.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatSRTTimestamp(seg.Start), formatSRTTimestamp(seg.End))
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(seg.Text))
	}
	return b.String()
}

func renderVTT(result *job.Result) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for i, seg := range result.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatVTTTimestamp(seg.Start), formatVTTTimestamp(seg.End))
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(seg.Text))
	}
	return b.String()
}

// formatSRTTimestamp renders seconds as HH:MM:SS,mmm.
func formatSRTTimestamp(seconds float64) string {
	return formatTimestamp(seconds, ",")
}

// formatVTTTimestamp renders seconds as HH:MM:SS.mmm.
func formatVTTTimestamp(seconds float64) string {
	return formatTimestamp(seconds, ".")
}

func formatTimestamp(seconds float64, msSep string) string {
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds * float64(time.Second))
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, msSep, ms)
}

// ParsedSegment is a subtitle cue read back from rendered text, used by
// round-trip tests to confirm segment boundaries survive formatting.
type ParsedSegment struct {
	Start float64
	End   float64
	Text  string
}

// ParseSRT parses SRT text back into segments at millisecond resolution.
func ParseSRT(text string) ([]ParsedSegment, error) {
	var out []ParsedSegment
	scanner := bufio.NewScanner(strings.NewReader(text))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Index line; ignore its value, cues are returned in file order.
		if _, err := strconv.Atoi(line); err != nil {
			continue
		}
		if !scanner.Scan() {
			break
		}
		timing := strings.TrimSpace(scanner.Text())
		start, end, err := parseSRTTiming(timing)
		if err != nil {
			return nil, err
		}

		var textLines []string
		for scanner.Scan() {
			tl := scanner.Text()
			if strings.TrimSpace(tl) == "" {
				break
			}
			textLines = append(textLines, tl)
		}
		out = append(out, ParsedSegment{Start: start, End: end, Text: strings.Join(textLines, "\n")})
	}
	return out, scanner.Err()
}

func parseSRTTiming(line string) (start, end float64, err error) {
	parts := strings.Split(line, "-->")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("subtitle: malformed timing line %q", line)
	}
	start, err = parseSRTTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	end, err = parseSRTTimestamp(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseSRTTimestamp(s string) (float64, error) {
	s = strings.ReplaceAll(s, ",", ".")
	var h, m int
	var sec float64
	if _, err := fmt.Sscanf(s, "%d:%d:%f", &h, &m, &sec); err != nil {
		return 0, fmt.Errorf("subtitle: parse timestamp %q: %w", s, err)
	}
	return float64(h)*3600 + float64(m)*60 + sec, nil
}
