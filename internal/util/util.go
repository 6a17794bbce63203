package util

import (
	"crypto/rand"
	"hash/fnv"
	mrand "math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDs are sortable (nice for DB indexes and dashboards). Each entity kind
// gets a short prefix so IDs are recognizable in logs.
func newID(prefix string) string {
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewCampaignID() string { return newID("cmp") }
func NewMessageID() string  { return newID("msg") }
func NewIdentityID() string { return newID("chip") }
func NewProxyID() string    { return newID("prx") }
func NewMediaID() string    { return newID("med") }
func NewEventID() string    { return newID("evt") }

func NowUTC() time.Time {
	return time.Now().UTC()
}

// RenderTemplate does simple {var} replacement against per-recipient vars.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// RenderSpintax expands {a|b|c} alternations, picking one branch per group.
// The choice is seeded so the same seed always renders the same text, which
// keeps crash-retried sends byte-identical. Nested groups are not supported;
// a group with no pipe is left as-is (it is template syntax, not spintax).
func RenderSpintax(body, seed string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	rng := mrand.New(mrand.NewSource(int64(h.Sum64())))

	var b strings.Builder
	for {
		open := strings.IndexByte(body, '{')
		if open < 0 {
			b.WriteString(body)
			return b.String()
		}
		close := strings.IndexByte(body[open:], '}')
		if close < 0 {
			b.WriteString(body)
			return b.String()
		}
		close += open
		group := body[open+1 : close]
		b.WriteString(body[:open])
		if strings.ContainsRune(group, '|') {
			alts := strings.Split(group, "|")
			b.WriteString(alts[rng.Intn(len(alts))])
		} else {
			b.WriteString(body[open : close+1])
		}
		body = body[close+1:]
	}
}
