// PDF plumbing: pdfcpu read/validate plus content-stream text extraction
// that preserves line and column structure for the table detector.
package extract

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/tablemill/job"
)

// document is an opened, validated PDF.
type document struct {
	ctx       *model.Context
	PageCount int
}

// openPDF validates size and structure. Oversized documents surface as
// limit errors, unreadable ones as extraction errors — the scheduler
// treats both as permanent.
func openPDF(path string, maxSize int64) (*document, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, job.Errorf(job.KindTransientIO, "stat document: %v", err)
	}
	if stat.Size() > maxSize {
		return nil, job.Errorf(job.KindLimitExceeded,
			"document is %d bytes, limit %d", stat.Size(), maxSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, job.Errorf(job.KindTransientIO, "open document: %v", err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, job.Errorf(job.KindExtraction, "pdfcpu read: %v", err)
	}
	if ctx.PageCount < 1 {
		return nil, job.Errorf(job.KindExtraction, "document has no pages")
	}
	return &document{ctx: ctx, PageCount: ctx.PageCount}, nil
}

// pageText extracts the text of one page. A panic inside pdfcpu on a
// corrupt page is converted to a per-page error so the caller can isolate
// it.
func (d *document) pageText(pageNr int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page parser panic: %v", r)
		}
	}()

	r, err := pdfcpu.ExtractPageContent(d.ctx, pageNr)
	if err != nil {
		return "", fmt.Errorf("extract content: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty content stream")
	}
	return streamText(data), nil
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// streamText parses PDF content stream operators for text, preserving
// layout hints: text-positioning operators become column gaps (tab) and
// line operators become newlines, which is what the table detector keys
// on.
func streamText(data []byte) string {
	var sb strings.Builder

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		// Tj / TJ show-text operators: (text) Tj, [(a) -100 (b)] TJ
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}

		// ' operator: move to next line and show text.
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			sb.WriteByte('\n')
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}

		// Td/TD reposition: treat as a column gap within the line.
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte('\t')
			}

		// T*: move to start of next line.
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')

		// ET ends a text object; separate blocks with a newline.
		case bytes.Equal(line, []byte("ET")):
			sb.WriteByte('\n')
		}
	}

	return sb.String()
}

// decodePDFString handles basic PDF escape sequences.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\', '(', ')':
				sb.WriteByte(raw[i])
			default:
				// Octal escape (e.g. \040 for space).
				if raw[i] >= '0' && raw[i] <= '7' {
					val := int(raw[i] - '0')
					for n := 0; n < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; n++ {
						i++
						val = val*8 + int(raw[i]-'0')
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(raw[i])
				}
			}
		} else {
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}
