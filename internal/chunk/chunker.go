package chunk

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/Coder-Upsilon/little-kb/internal/extract"
)

// Chunker turns a stream of extracted segments into an ordered sequence of
// chunks, preferring to split at paragraph, then sentence, then word
// boundaries, and never splitting a token. Generalized from
// the teacher's header-based Markdown splitter: segments here replace
// Markdown sections as the paragraph-preserving unit, since the extractor
// layer (not the chunker) now owns format-specific structure.
type Chunker struct {
	opts Options
}

// New creates a chunker with the given options.
func New(opts Options) *Chunker {
	return &Chunker{opts: opts.withDefaults()}
}

// Chunk consumes the segment stream until it's closed or ctx is canceled. A
// document that extracts to zero text yields zero chunks, not an error.
func (c *Chunker) Chunk(ctx context.Context, segments <-chan extract.Segment) ([]*Chunk, error) {
	b := newBuilder(c.opts)

	for seg := range segments {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		b.addParagraph(text, Hints{Page: seg.Hints.Page, Paragraph: seg.Hints.Paragraph})
	}

	return b.finish(), nil
}

// builder accumulates words into the current chunk and flushes it once the
// token budget would be exceeded, carrying an overlap tail forward when
// configured.
type builder struct {
	opts     Options
	chunks   []*Chunk
	pending  []string
	hints    Hints
	hasHints bool
	seq      int
	now      time.Time
}

func newBuilder(opts Options) *builder {
	return &builder{opts: opts, now: time.Now()}
}

func (b *builder) pendingTokens() int {
	if len(b.pending) == 0 {
		return 0
	}
	return b.opts.CountTokens(strings.Join(b.pending, " "))
}

// addParagraph adds one segment's text to the builder, splitting it by
// sentence and then word boundaries only if it alone exceeds the budget.
func (b *builder) addParagraph(text string, hints Hints) {
	if b.opts.CountTokens(text) <= b.opts.MaxTokens {
		if b.pendingTokens()+b.opts.CountTokens(text) > b.opts.MaxTokens {
			b.flush()
		}
		b.appendWords(strings.Fields(text), hints)
		return
	}

	for _, sentence := range splitSentences(text) {
		if sentence == "" {
			continue
		}
		if b.opts.CountTokens(sentence) <= b.opts.MaxTokens {
			if b.pendingTokens()+b.opts.CountTokens(sentence) > b.opts.MaxTokens {
				b.flush()
			}
			b.appendWords(strings.Fields(sentence), hints)
			continue
		}

		// Sentence itself too large: pack word by word.
		for _, w := range strings.Fields(sentence) {
			trial := append(append([]string{}, b.pending...), w)
			if b.opts.CountTokens(strings.Join(trial, " ")) > b.opts.MaxTokens && len(b.pending) > 0 {
				b.flush()
			}
			b.appendWords([]string{w}, hints)
		}
	}
}

func (b *builder) appendWords(words []string, hints Hints) {
	if len(words) == 0 {
		return
	}
	if !b.hasHints {
		b.hints = hints
		b.hasHints = true
	}
	b.pending = append(b.pending, words...)
}

// flush emits the current chunk and seeds the next one with an overlap
// tail, if configured. This tail re-emission is the one piece of behavior
// with no teacher analog: the teacher's chunkers never overlapped chunks.
func (b *builder) flush() {
	if len(b.pending) == 0 {
		return
	}

	text := strings.Join(b.pending, " ")
	b.chunks = append(b.chunks, &Chunk{
		SequenceIndex: b.seq,
		Text:          text,
		TokenCount:    b.opts.CountTokens(text),
		Hints:         b.hints,
		CreatedAt:     b.now,
	})
	b.seq++

	b.pending = nil
	b.hasHints = false

	if b.opts.OverlapEnabled && b.opts.OverlapTokens > 0 {
		tail := tailWordsByTokenBudget(strings.Fields(text), b.opts.OverlapTokens, b.opts.CountTokens)
		b.pending = tail
	}
}

func (b *builder) finish() []*Chunk {
	b.flush()
	if b.chunks == nil {
		return []*Chunk{}
	}
	return b.chunks
}

// tailWordsByTokenBudget returns the longest word suffix whose token count
// fits within budget, so overlap re-emission never splits a token.
func tailWordsByTokenBudget(words []string, budget int, countTokens CountTokens) []string {
	for start := 0; start < len(words); start++ {
		suffix := words[start:]
		if countTokens(strings.Join(suffix, " ")) <= budget {
			return suffix
		}
	}
	return nil
}

var sentenceEndPattern = regexp.MustCompile(`[^.!?]+[.!?]+(\s+|$)`)

// splitSentences splits on terminal punctuation, falling back to the whole
// text as a single "sentence" when no boundary is found (e.g. a long run-on
// line with no punctuation, which then falls through to word packing).
func splitSentences(text string) []string {
	matches := sentenceEndPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}

	var sentences []string
	covered := 0
	for _, m := range matches {
		sentences = append(sentences, strings.TrimSpace(m))
		covered += len(m)
	}
	if covered < len(text) {
		if rest := strings.TrimSpace(text[covered:]); rest != "" {
			sentences = append(sentences, rest)
		}
	}
	return sentences
}
