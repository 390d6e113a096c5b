package attachment

import (
	"bytes"
	"regexp"
)

// extractPDFText pulls visible text out of a PDF's Tj/TJ show-text
// operators. This is a minimal, dependency-free extractor: it does not
// handle encrypted PDFs, embedded fonts with custom encodings, or
// non-Latin glyph maps. It is bounded by the same size/char caps as the
// rest of the attachment pipeline, so a PDF it can't parse well simply
// yields a shorter (possibly empty) excerpt rather than an error.
var (
	tjRun       = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*Tj`)
	tjArrayRun  = regexp.MustCompile(`\[((?:[^\]]|\\.)*)\]\s*TJ`)
	tjArrayElem = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)
)

func extractPDFText(raw []byte) string {
	var out bytes.Buffer

	for _, m := range tjRun.FindAllSubmatch(raw, -1) {
		out.Write(unescapePDFString(m[1]))
		out.WriteByte(' ')
	}
	for _, m := range tjArrayRun.FindAllSubmatch(raw, -1) {
		for _, elem := range tjArrayElem.FindAllSubmatch(m[1], -1) {
			out.Write(unescapePDFString(elem[1]))
		}
		out.WriteByte('\n')
	}

	return out.String()
}

func unescapePDFString(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] == '\\' && i+1 < len(b) {
			switch b[i+1] {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case '(', ')', '\\':
				out = append(out, b[i+1])
			default:
				out = append(out, b[i+1])
			}
			i++
			continue
		}
		out = append(out, b[i])
	}
	return out
}
