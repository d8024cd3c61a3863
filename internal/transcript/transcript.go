// Package transcript projects the canonical JSON a merge-stage engine
// writes to a job's transcript_blob_ref into the client-facing export
// formats named by GET .../export/{format}. Any format-specific nuance
// (styling, speaker labels inline, karaoke-style word highlighting) is
// explicitly out of scope — this package is the minimal projection needed
// to satisfy the export operation, not a full-fidelity subtitle toolchain.
package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

type Word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Words   []Word  `json:"words,omitempty"`
	Speaker string  `json:"speaker,omitempty"`
}

type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

func Parse(r io.Reader) (*Transcript, error) {
	var t Transcript
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return nil, fmt.Errorf("transcript: decode: %w", err)
	}
	return &t, nil
}

const (
	FormatSRT  = "srt"
	FormatVTT  = "vtt"
	FormatTXT  = "txt"
	FormatJSON = "json"
)

func ValidFormat(format string) bool {
	switch format {
	case FormatSRT, FormatVTT, FormatTXT, FormatJSON:
		return true
	default:
		return false
	}
}

// Render produces the requested export format along with its content type.
func Render(t *Transcript, format string) (body []byte, contentType string, err error) {
	switch format {
	case FormatJSON:
		body, err = json.Marshal(t)
		return body, "application/json", err
	case FormatTXT:
		return []byte(t.Text), "text/plain; charset=utf-8", nil
	case FormatSRT:
		return []byte(renderSRT(t)), "application/x-subrip", nil
	case FormatVTT:
		return []byte(renderVTT(t)), "text/vtt", nil
	default:
		return nil, "", fmt.Errorf("transcript: unsupported format %q", format)
	}
}

func renderSRT(t *Transcript) string {
	var b strings.Builder
	for i, seg := range t.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimestamp(seg.Start), srtTimestamp(seg.End))
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

func renderVTT(t *Transcript) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "%s --> %s\n", vttTimestamp(seg.Start), vttTimestamp(seg.End))
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

func srtTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func vttTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
