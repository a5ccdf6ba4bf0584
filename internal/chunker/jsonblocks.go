package chunker

import (
	"encoding/json"
	"fmt"
	"strings"

	"docrag/internal/model"
)

// jsonBlock is one pre-segmented unit from the converter's structured output.
type jsonBlock struct {
	Text       string `json:"text"`
	Heading    string `json:"heading,omitempty"`
	PageNumber int    `json:"page_number,omitempty"`
}

type jsonDocument struct {
	Blocks []jsonBlock `json:"blocks"`
	// older converter versions put the whole document under a single key
	Text     string `json:"text,omitempty"`
	Content  string `json:"content,omitempty"`
	Markdown string `json:"markdown,omitempty"`
}

// parseJSONBlocks accepts either a top-level block array or an object with a
// "blocks" list. Objects without blocks but with a text/content/markdown
// field are treated as markdown wrapped in JSON, which older converter
// releases produced.
func parseJSONBlocks(raw string) ([]block, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var list []jsonBlock
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, fmt.Errorf("%w: parse json blocks: %v", model.ErrValidation, err)
		}
	} else {
		var doc jsonDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("%w: parse json document: %v", model.ErrValidation, err)
		}
		if len(doc.Blocks) == 0 {
			if body := firstNonEmpty(doc.Text, doc.Content, doc.Markdown); body != "" {
				return scanBlocks(normalize(body)), nil
			}
			return nil, nil
		}
		list = doc.Blocks
	}

	blocks := make([]block, 0, len(list))
	var heading string
	var sectionPath []string
	for _, jb := range list {
		if strings.TrimSpace(jb.Text) == "" {
			continue
		}
		if jb.Heading != "" && jb.Heading != heading {
			heading = jb.Heading
			sectionPath = []string{jb.Heading}
		}
		blocks = append(blocks, block{
			Kind:        blockParagraph,
			Text:        strings.TrimRight(normalize(jb.Text), "\n"),
			Heading:     heading,
			SectionPath: append([]string(nil), sectionPath...),
			Page:        jb.PageNumber,
		})
	}
	return blocks, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
