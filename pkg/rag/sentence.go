package rag

import (
	"regexp"
	"strings"

	"github.com/csbot-dev/csbot/pkg/domain"
)

var sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)

// BufferSentences is an opt-in layer over an Answer stream: delta
// tokens are accumulated and re-emitted as sentence events, each
// carrying whole sentences, for consumers that speak rather than print
// (TTS pipelines sound broken on mid-sentence fragments). All other
// events pass through unchanged and in order. Buffered residue without
// a trailing terminator flushes right before the sources or done event;
// on an error event the residue is dropped with the rest of the tail.
func BufferSentences(in <-chan domain.Event) <-chan domain.Event {
	out := make(chan domain.Event)
	go func() {
		defer close(out)
		var buf strings.Builder

		flush := func() {
			if buf.Len() > 0 {
				out <- domain.SentenceEvent(buf.String())
				buf.Reset()
			}
		}

		for ev := range in {
			switch ev.Type {
			case domain.EventDelta:
				buf.WriteString(ev.Delta)
				s := buf.String()
				locs := sentenceBoundary.FindAllStringIndex(s, -1)
				if len(locs) == 0 {
					continue
				}
				prev := 0
				for _, loc := range locs {
					out <- domain.SentenceEvent(s[prev:loc[1]])
					prev = loc[1]
				}
				buf.Reset()
				buf.WriteString(s[prev:])
			case domain.EventSources, domain.EventDone:
				flush()
				out <- ev
			case domain.EventError:
				buf.Reset()
				out <- ev
			default:
				out <- ev
			}
		}
		flush()
	}()
	return out
}
