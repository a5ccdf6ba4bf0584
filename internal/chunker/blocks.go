package chunker

import (
	"regexp"
	"strconv"
	"strings"
)

type blockKind int

const (
	blockParagraph blockKind = iota
	blockHeading
	blockCode
	blockList
	blockTable
)

// block is one structural unit of the source document. Heading and
// SectionPath describe the position of the block in the heading tree at the
// moment it was scanned; Page is the page number most recently announced by
// the converter, zero when unknown.
type block struct {
	Kind        blockKind
	Level       int // heading level, 1..6
	Text        string
	Heading     string
	SectionPath []string
	Page        int
}

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*$`)
	listRe    = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)
	// the upstream converter announces page breaks as HTML comments
	pageRe = regexp.MustCompile(`(?i)^<!--\s*page[:\s]\s*(\d+)\s*-->$`)
)

// scanBlocks splits normalized markdown into blocks, tracking the heading
// stack for section paths and converter page markers for page numbers.
func scanBlocks(text string) []block {
	lines := strings.Split(text, "\n")

	var blocks []block
	var headings []string // stack of ancestor heading titles
	var levels []int      // matching heading levels
	page := 0

	emit := func(kind blockKind, level int, body string) {
		body = strings.TrimRight(body, "\n")
		if strings.TrimSpace(body) == "" {
			return
		}
		b := block{
			Kind:        kind,
			Level:       level,
			Text:        body,
			SectionPath: append([]string(nil), headings...),
			Page:        page,
		}
		if len(headings) > 0 {
			b.Heading = headings[len(headings)-1]
		}
		blocks = append(blocks, b)
	}

	var para []string
	flushPara := func() {
		if len(para) > 0 {
			emit(blockParagraph, 0, strings.Join(para, "\n"))
			para = para[:0]
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if m := pageRe.FindStringSubmatch(trimmed); m != nil {
			flushPara()
			if n, err := strconv.Atoi(m[1]); err == nil {
				page = n
			}
			continue
		}

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			flushPara()
			fence := trimmed[:3]
			body := []string{line}
			for i++; i < len(lines); i++ {
				body = append(body, lines[i])
				if strings.HasPrefix(strings.TrimSpace(lines[i]), fence) {
					break
				}
			}
			emit(blockCode, 0, strings.Join(body, "\n"))
			continue
		}

		if m := headingRe.FindStringSubmatch(line); m != nil {
			flushPara()
			level := len(m[1])
			title := m[2]
			// pop deeper or equal headings, then push
			for len(levels) > 0 && levels[len(levels)-1] >= level {
				levels = levels[:len(levels)-1]
				headings = headings[:len(headings)-1]
			}
			levels = append(levels, level)
			headings = append(headings, title)
			emit(blockHeading, level, line)
			continue
		}

		if listRe.MatchString(line) {
			flushPara()
			// a list item plus its indented continuation lines
			item := []string{line}
			for i+1 < len(lines) {
				next := lines[i+1]
				if strings.TrimSpace(next) == "" || listRe.MatchString(next) || headingRe.MatchString(next) {
					break
				}
				if !strings.HasPrefix(next, " ") && !strings.HasPrefix(next, "\t") {
					break
				}
				item = append(item, next)
				i++
			}
			emit(blockList, 0, strings.Join(item, "\n"))
			continue
		}

		if strings.HasPrefix(trimmed, "|") {
			flushPara()
			rows := []string{line}
			for i+1 < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i+1]), "|") {
				rows = append(rows, lines[i+1])
				i++
			}
			emit(blockTable, 0, strings.Join(rows, "\n"))
			continue
		}

		if trimmed == "" {
			flushPara()
			continue
		}
		para = append(para, line)
	}
	flushPara()

	return blocks
}
