package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"docrag/internal/model"
)

// Chunker splits one document into bounded, metadata-bearing chunks. The
// zero value is not usable; construct with New so defaults are applied.
//
// The output is deterministic: identical input and parameters produce
// bit-identical chunk sequences and chunk IDs.
type Chunker struct {
	chunkSize    int // target tokens per chunk
	chunkOverlap int // tokens shared between consecutive chunks
	minChunkSize int // no heading-boundary break below this; overflow breaks ignore it
	logger       *zap.Logger
}

// maxBytesFactor guards against pathological text that tokenizes poorly: a
// chunk never exceeds chunkSize * maxBytesFactor bytes regardless of its
// token estimate.
const maxBytesFactor = 8

func New(chunkSize, chunkOverlap, minChunkSize int, logger *zap.Logger) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 800
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize - 1
	}
	if minChunkSize <= 0 {
		minChunkSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		minChunkSize: minChunkSize,
		logger:       logger,
	}
}

// ChunkDocument splits text according to its kind. Markdown is scanned into
// structural blocks first; json-blocks input arrives pre-segmented and skips
// the scan.
func (c *Chunker) ChunkDocument(docID, text string, kind model.DocKind) ([]model.Chunk, error) {
	var blocks []block
	switch kind {
	case model.KindJSONBlocks:
		var err error
		blocks, err = parseJSONBlocks(text)
		if err != nil {
			return nil, err
		}
	default:
		blocks = scanBlocks(normalize(text))
	}
	return c.pack(docID, blocks)
}

func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// pack greedily appends blocks to the current chunk while the token estimate
// stays within budget, preferring to break just before a heading when one is
// close, and seeds each successor chunk with the overlap tail of its
// predecessor.
func (c *Chunker) pack(docID string, blocks []block) ([]model.Chunk, error) {
	maxBytes := c.chunkSize * maxBytesFactor

	type pending struct {
		text    string
		tokens  int
		meta    model.ChunkMetadata
		started bool
		// only heading blocks so far and no overlap seed
		headingsOnly bool
	}

	var chunks []model.Chunk
	var cur pending

	// overlap carried from the previous chunk's tail, with the metadata of
	// that tail rather than of the block that starts the new chunk
	var carry string
	var carryMeta model.ChunkMetadata
	var lastMeta model.ChunkMetadata

	start := func(meta model.ChunkMetadata) {
		cur = pending{meta: meta, started: true}
		if carry != "" {
			cur.text = carry
			cur.tokens = CountTokens(carry)
			cur.meta = carryMeta
			carry = ""
		}
	}

	flush := func() {
		if !cur.started || strings.TrimSpace(cur.text) == "" {
			cur = pending{}
			return
		}
		text := cur.text
		if len(text) > maxBytes {
			text = truncateUTF8(text, maxBytes)
			c.logger.Warn("chunk truncated at byte bound",
				zap.String("doc_id", docID),
				zap.Int("chunk_index", len(chunks)),
				zap.Int("max_bytes", maxBytes))
		}
		chunks = append(chunks, model.Chunk{
			DocID:         docID,
			ChunkIndex:    len(chunks),
			Text:          text,
			TokenEstimate: CountTokens(text),
			Metadata:      cur.meta,
		})
		if c.chunkOverlap > 0 {
			carry = tailTokens(text, c.chunkOverlap)
			carryMeta = lastMeta
			carryMeta.PageNumber = cur.meta.PageNumber
		}
		cur = pending{}
	}

	appendPiece := func(piece string, meta model.ChunkMetadata, tokens int, heading bool) {
		if !cur.started {
			start(meta)
			cur.headingsOnly = cur.text == ""
		} else if cur.headingsOnly {
			// a chunk that opens with headings takes the heading and section
			// path of the block that follows them
			cur.meta.Heading = meta.Heading
			cur.meta.SectionPath = meta.SectionPath
		}
		cur.headingsOnly = cur.headingsOnly && heading
		if cur.text == "" {
			cur.text = piece
		} else {
			cur.text += "\n\n" + piece
		}
		cur.tokens += tokens
		if meta.PageNumber > 0 && (cur.meta.PageNumber == 0 || meta.PageNumber < cur.meta.PageNumber) {
			cur.meta.PageNumber = meta.PageNumber
		}
		lastMeta = meta
	}

	for _, b := range blocks {
		meta := model.ChunkMetadata{
			Heading:     b.Heading,
			SectionPath: b.SectionPath,
			PageNumber:  b.Page,
		}
		tokens := CountTokens(b.Text)

		// prefer to break before a heading when the remaining budget is
		// within a fifth of the target
		if b.Kind == blockHeading && cur.started &&
			cur.tokens >= c.chunkSize-c.chunkSize/5 && cur.tokens >= c.minChunkSize {
			flush()
		}

		var pieces []string
		if tokens > c.chunkSize || len(b.Text) > maxBytes {
			// oversized block: split at sentence boundaries, then at
			// whitespace, and feed the pieces through the same budget loop
			pieces = c.splitOversized(b.Text)
		} else {
			pieces = []string{b.Text}
		}

		for _, piece := range pieces {
			t := CountTokens(piece)
			if cur.started && (cur.tokens+t > c.chunkSize || len(cur.text)+2+len(piece) > maxBytes) {
				flush()
			}
			if !cur.started && carry != "" && CountTokens(carry)+t > c.chunkSize {
				// shrink the overlap so the seeded chunk stays within budget
				carry = tailTokens(carry, c.chunkSize-t)
			}
			appendPiece(piece, meta, t, b.Kind == blockHeading)
		}
	}
	flush()

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrEmptyDocument, docID)
	}

	for i := range chunks {
		chunks[i].Metadata.TotalChunks = len(chunks)
		chunks[i].ChunkID = ChunkID(docID, i, chunks[i].Text)
	}
	return chunks, nil
}

// splitOversized cuts a block that exceeds the token or byte budget into
// pieces that fit: sentences first, whitespace runs for sentences that are
// still too large. Each returned piece is trimmed for clean joining.
func (c *Chunker) splitOversized(text string) []string {
	maxBytes := c.chunkSize * maxBytesFactor
	var pieces []string
	for _, s := range splitSentences(text) {
		if CountTokens(s) <= c.chunkSize && len(s) <= maxBytes {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				pieces = append(pieces, trimmed)
			}
			continue
		}
		fields := splitWhitespace(s)
		for len(fields) > 0 {
			n := c.chunkSize
			if n > len(fields) {
				n = len(fields)
			}
			size := len(strings.Join(fields[:n], ""))
			for n > 1 && size > maxBytes {
				n--
				size -= len(fields[n])
			}
			piece := strings.TrimSpace(strings.Join(fields[:n], ""))
			if piece != "" {
				pieces = append(pieces, piece)
			}
			fields = fields[n:]
		}
	}
	return pieces
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}

// ChunkID derives the stable chunk identifier from the document id, the
// chunk's position, and a digest of its text. Re-chunking unchanged input
// reproduces the same IDs, which is what makes upserts idempotent.
func ChunkID(docID string, index int, text string) string {
	content := sha256.Sum256([]byte(text))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", docID, index, hex.EncodeToString(content[:]))))
	return hex.EncodeToString(sum[:16])
}
