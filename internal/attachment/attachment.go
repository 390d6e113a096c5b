// Package attachment parses "@path" references in chat input and resolves
// them into content blocks: text excerpts, images, extracted PDF text,
// directory trees, or binary metadata.
package attachment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ionengine/internal/provider"
)

const (
	maxTextSize       = 500 * 1024
	maxTextLines      = 5000
	maxImageSize      = 20 * 1024 * 1024
	maxPDFSize        = 10 * 1024 * 1024
	maxPDFChars       = 500_000
	maxDirEntries     = 200
	maxDirDepth       = 3
	aggregateTextCap  = 1024 * 1024
)

var imageFormats = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
}

var binaryExtensions = map[string]bool{
	"exe": true, "dll": true, "so": true, "dylib": true, "o": true, "a": true,
	"lib": true, "class": true, "jar": true, "zip": true, "tar": true, "gz": true,
	"bz2": true, "xz": true, "7z": true, "rar": true, "wasm": true, "pyc": true,
	"pyo": true, "beam": true, "mp4": true, "mov": true, "avi": true, "mp3": true,
	"wav": true, "flac": true, "ico": true, "bmp": true, "tiff": true, "psd": true,
	"doc": true, "xls": true, "ppt": true, "docx": true, "xlsx": true, "pptx": true,
	"db": true, "sqlite": true, "sqlite3": true, "dat": true, "bin": true,
	"img": true, "iso": true, "dmg": true, "deb": true, "rpm": true,
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "target": true, "__pycache__": true,
	".venv": true, "venv": true,
}

// pathRef is a parsed "@path" reference with byte offsets into the
// original input.
type pathRef struct {
	path       string
	start, end int
	hasRange   bool
	rangeStart int
	rangeEnd   int
}

// Parse resolves every "@path" reference in input into content blocks. The
// first block, if any, is the user's text with references stripped; the
// rest are the resolved attachments in order of appearance. Individual
// resolution failures become error text blocks rather than aborting the
// whole parse.
func Parse(input string, workingDir string, noSandbox bool) []provider.ContentBlock {
	refs := extractRefs(input)
	if len(refs) == 0 {
		return []provider.ContentBlock{provider.TextBlock(input)}
	}

	var userText strings.Builder
	var attachments []provider.ContentBlock
	lastEnd := 0
	aggregateBytes := 0

	for _, r := range refs {
		userText.WriteString(input[lastEnd:r.start])
		lastEnd = r.end
		// Drop one space after the reference so stripping it doesn't leave
		// a doubled gap in the user text.
		if lastEnd < len(input) && (input[lastEnd] == ' ' || input[lastEnd] == '\t') {
			lastEnd++
		}

		header := displayHeader(r)
		path := r.path
		if !filepath.IsAbs(path) {
			path = filepath.Join(workingDir, path)
		}

		if !noSandbox {
			if err := checkWithinDir(path, workingDir); err != nil {
				attachments = append(attachments, errorBlock(header, err))
				continue
			}
		}

		block, size, err := resolveAttachment(path, r)
		if err != nil {
			attachments = append(attachments, errorBlock(header, err))
			continue
		}
		aggregateBytes += size
		if aggregateBytes > aggregateTextCap {
			attachments = append(attachments, errorBlock(header, fmt.Errorf("aggregate attachment size exceeds 1MB limit")))
			continue
		}
		attachments = append(attachments, block)
	}

	userText.WriteString(input[lastEnd:])

	var blocks []provider.ContentBlock
	if trimmed := strings.TrimSpace(userText.String()); trimmed != "" {
		blocks = append(blocks, provider.TextBlock(trimmed))
	}
	blocks = append(blocks, attachments...)
	if len(blocks) == 0 {
		blocks = append(blocks, provider.TextBlock(""))
	}
	return blocks
}

func errorBlock(header string, err error) provider.ContentBlock {
	return provider.TextBlock(fmt.Sprintf("--- %s ---\n[Error: %s]\n---", header, err))
}

func displayHeader(r pathRef) string {
	if r.hasRange {
		return fmt.Sprintf("%s:%d-%d", r.path, r.rangeStart, r.rangeEnd)
	}
	return r.path
}

// extractRefs scans input for "@path" tokens. A token must begin at the
// start of the string or after whitespace; it must contain "/" or "." to
// distinguish it from an "@mention"; an optional ":N" or ":N-M" line-range
// suffix is consumed as part of the token.
func extractRefs(input string) []pathRef {
	var refs []pathRef
	i := 0
	for i < len(input) {
		if input[i] != '@' {
			i++
			continue
		}
		if i > 0 && !isSpace(input[i-1]) {
			i++
			continue
		}

		at := i
		i++
		if i >= len(input) {
			break
		}

		var raw string
		if input[i] == '"' {
			i++
			start := i
			for i < len(input) && input[i] != '"' {
				i++
			}
			raw = input[start:i]
			if i < len(input) {
				i++
			}
			suffixStart := i
			if i < len(input) && input[i] == ':' {
				i++
				for i < len(input) && (isDigit(input[i]) || input[i] == '-') {
					i++
				}
				raw += input[suffixStart:i]
			}
		} else {
			start := i
			for i < len(input) && !isSpace(input[i]) {
				i++
			}
			raw = input[start:i]
		}

		if raw == "" {
			continue
		}

		path, hasRange, rs, re := parseLineRange(raw)
		if !strings.ContainsAny(path, "/.") {
			continue
		}

		refs = append(refs, pathRef{path: path, start: at, end: i, hasRange: hasRange, rangeStart: rs, rangeEnd: re})
	}
	return refs
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }
func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// parseLineRange splits a trailing ":N" or ":N-M" suffix off path, only
// when the colon is immediately followed by a digit (so Windows-style
// drive letters like "C:\" are never mistaken for a range).
func parseLineRange(path string) (clean string, ok bool, start, end int) {
	colon := strings.LastIndex(path, ":")
	if colon < 0 || colon+1 >= len(path) {
		return path, false, 0, 0
	}
	suffix := path[colon+1:]
	if !isDigit(suffix[0]) {
		return path, false, 0, 0
	}

	if dash := strings.Index(suffix, "-"); dash >= 0 {
		s, errS := strconv.Atoi(suffix[:dash])
		e, errE := strconv.Atoi(suffix[dash+1:])
		if errS == nil && errE == nil && s > 0 && e >= s {
			return path[:colon], true, s, e
		}
		return path, false, 0, 0
	}

	line, err := strconv.Atoi(suffix)
	if err == nil && line > 0 {
		return path[:colon], true, line, line
	}
	return path, false, 0, 0
}

// checkWithinDir verifies that path, once resolved, lies within workingDir.
func checkWithinDir(path, workingDir string) error {
	canonical, err := resolveExisting(path)
	if err != nil {
		return fmt.Errorf("cannot resolve path: %w", err)
	}
	wd, err := filepath.EvalSymlinks(workingDir)
	if err != nil {
		return fmt.Errorf("cannot resolve working directory: %w", err)
	}
	rel, err := filepath.Rel(wd, canonical)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path is outside sandbox (%s)", workingDir)
	}
	return nil
}

// resolveExisting canonicalizes path, falling back to canonicalizing its
// parent directory when path itself doesn't exist yet.
func resolveExisting(path string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved, nil
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(path)), nil
}

func resolveAttachment(path string, r pathRef) (provider.ContentBlock, int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return provider.ContentBlock{}, 0, fmt.Errorf("cannot read: %w", err)
	}

	if info.IsDir() {
		return loadDirectory(path, r.path)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))

	if mime, ok := imageFormats[ext]; ok {
		return loadImage(path, mime, info.Size())
	}
	if ext == "pdf" {
		return loadPDF(path, r.path, info.Size())
	}
	if binaryExtensions[ext] {
		return loadBinaryMetadata(path, r.path, info.Size())
	}
	return loadText(path, r.path, info.Size(), r)
}

func loadImage(path, mime string, size int64) (provider.ContentBlock, int, error) {
	if size > maxImageSize {
		return provider.ContentBlock{}, 0, fmt.Errorf("image exceeds %d byte limit", maxImageSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return provider.ContentBlock{}, 0, fmt.Errorf("cannot read image: %w", err)
	}
	return provider.ContentBlock{Type: provider.BlockImage, MediaType: mime, Data: data}, 0, nil
}

func loadBinaryMetadata(path, displayPath string, size int64) (provider.ContentBlock, int, error) {
	text := fmt.Sprintf("--- %s ---\n[Binary file, %d bytes]\n---", displayPath, size)
	return provider.TextBlock(text), len(text), nil
}

func loadText(path, displayPath string, size int64, r pathRef) (provider.ContentBlock, int, error) {
	if size > maxTextSize {
		return provider.ContentBlock{}, 0, fmt.Errorf("text file exceeds %d byte limit", maxTextSize)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return provider.ContentBlock{}, 0, fmt.Errorf("cannot read: %w", err)
	}
	if containsNullByte(raw) {
		return loadBinaryMetadata(path, displayPath, size)
	}

	lines := strings.Split(string(raw), "\n")
	truncated := false
	if len(lines) > maxTextLines {
		lines = lines[:maxTextLines]
		truncated = true
	}
	if r.hasRange {
		start, end := r.rangeStart-1, r.rangeEnd
		if start < 0 {
			start = 0
		}
		if end > len(lines) {
			end = len(lines)
		}
		if start < end {
			lines = lines[start:end]
		} else {
			lines = nil
		}
	}

	body := strings.Join(lines, "\n")
	if truncated {
		body += fmt.Sprintf("\n... [truncated at %d lines] ...", maxTextLines)
	}
	text := fmt.Sprintf("--- %s ---\n%s\n---", displayPath, body)
	return provider.TextBlock(text), len(text), nil
}

func containsNullByte(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

func loadDirectory(path, displayPath string) (provider.ContentBlock, int, error) {
	var lines []string
	count := 0
	var walk func(dir string, depth int, prefix string) error
	walk = func(dir string, depth int, prefix string) error {
		if depth > maxDirDepth || count >= maxDirEntries {
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if count >= maxDirEntries {
				lines = append(lines, prefix+"... (truncated)")
				return nil
			}
			name := e.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			if e.IsDir() && skipDirs[name] {
				continue
			}
			suffix := ""
			if e.IsDir() {
				suffix = "/"
			}
			lines = append(lines, prefix+name+suffix)
			count++
			if e.IsDir() {
				if err := walk(filepath.Join(dir, name), depth+1, prefix+"  "); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(path, 1, ""); err != nil {
		return provider.ContentBlock{}, 0, fmt.Errorf("cannot list directory: %w", err)
	}
	text := fmt.Sprintf("--- %s ---\n%s\n---", displayPath, strings.Join(lines, "\n"))
	return provider.TextBlock(text), len(text), nil
}

func loadPDF(path, displayPath string, size int64) (provider.ContentBlock, int, error) {
	if size > maxPDFSize {
		return provider.ContentBlock{}, 0, fmt.Errorf("PDF exceeds %d byte limit", maxPDFSize)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return provider.ContentBlock{}, 0, fmt.Errorf("cannot read PDF: %w", err)
	}
	text := extractPDFText(raw)
	if len(text) > maxPDFChars {
		text = text[:maxPDFChars]
	}
	out := fmt.Sprintf("--- %s ---\n%s\n---", displayPath, text)
	return provider.TextBlock(out), len(out), nil
}
