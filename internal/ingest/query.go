package ingest

import "time"

// Author pairs a user id with the handle its posts are searched under.
type Author struct {
	ID     int64
	Handle string
}

// QueryChunk is one advanced-search query covering a group of authors.
type QueryChunk struct {
	Authors []Author
	Query   string
}

// buildPostQueries packs authors into `from:<h> OR from:<h> …` queries no
// longer than maxLen bytes. Authors whose single `from:` term already
// exceeds the budget come back separately; their runs fail individually.
func buildPostQueries(authors []Author, maxLen int) (chunks []QueryChunk, oversized []Author) {
	const sep = " OR "

	var cur QueryChunk
	flush := func() {
		if len(cur.Authors) > 0 {
			chunks = append(chunks, cur)
			cur = QueryChunk{}
		}
	}

	for _, a := range authors {
		term := "from:" + a.Handle
		if len(term) > maxLen {
			oversized = append(oversized, a)
			continue
		}
		candidate := term
		if cur.Query != "" {
			candidate = cur.Query + sep + term
		}
		if len(candidate) > maxLen {
			flush()
			candidate = term
		}
		cur.Query = candidate
		cur.Authors = append(cur.Authors, a)
	}
	flush()
	return chunks, oversized
}

// untilClause renders the provider's until bound. The window shifts to one
// second before the oldest post already fetched.
func untilClause(oldest time.Time) string {
	return " until:" + oldest.Add(-time.Second).UTC().Format("2006-01-02_15:04:05_UTC")
}
