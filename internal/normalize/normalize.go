// Package normalize maps heterogeneous source items into one canonical
// release candidate shape. It is pure: no I/O, no side effects.
package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/source"
)

type ReleaseKind string

const (
	KindEpisode ReleaseKind = "episode"
	KindVolume  ReleaseKind = "volume"
	KindSpecial ReleaseKind = "special"
)

// Candidate is the canonical pre-persistence release shape.
type Candidate struct {
	WorkTitle   string
	WorkKind    string // "anime" or "manga"
	ReleaseKind ReleaseKind
	// Number is the source-provided episode/volume label. Kept opaque when
	// it does not parse as digits, never dropped.
	Number      string
	Platform    string
	ReleaseDate time.Time
	Source      string
	SourceURL   string
	Description string
	Tags        []string
}

// Title patterns, most specific first. Each yields (work title, number).
var titlePatterns = []struct {
	re   *regexp.Regexp
	kind ReleaseKind
}{
	{regexp.MustCompile(`^(.*?)[\s　]*第\s*([0-9０-９]+(?:\.[0-9]+)?)\s*話`), KindEpisode},
	{regexp.MustCompile(`^(.*?)[\s　]*第\s*([0-9０-９]+)\s*巻`), KindVolume},
	{regexp.MustCompile(`^(.*?)[\s　]*(?i:episode|ep\.?)\s*([0-9]+(?:\.[0-9]+)?)`), KindEpisode},
	{regexp.MustCompile(`^(.*?)[\s　]*(?i:vol(?:ume)?\.?)\s*([0-9]+)`), KindVolume},
	{regexp.MustCompile(`^(.*?)[\s　]*\(([0-9]+)\)\s*$`), KindVolume},
	{regexp.MustCompile(`^(.*?)[\s　]*#([0-9]+(?:\.[0-9]+)?)`), KindEpisode},
	{regexp.MustCompile(`^(.*?)[\s　]+([0-9０-９]+)話`), KindEpisode},
	{regexp.MustCompile(`^(.*?)[\s　]+([0-9０-９]+)巻`), KindVolume},
}

var specialPattern = regexp.MustCompile(`(?i)(特別編|番外編|OVA|OAD|劇場版|special)`)

var fullWidthDigits = strings.NewReplacer(
	"０", "0", "１", "1", "２", "2", "３", "3", "４", "4",
	"５", "5", "６", "6", "７", "7", "８", "8", "９", "9",
)

// Items normalizes a batch. Items that cannot be normalized (no usable
// title) are skipped and counted, never aborting the batch.
func Items(items []source.Item, now time.Time) (out []Candidate, skipped int) {
	out = make([]Candidate, 0, len(items))
	for _, it := range items {
		c, ok := Item(it, now)
		if !ok {
			skipped++
			continue
		}
		out = append(out, c)
	}
	return out, skipped
}

// Item normalizes a single source item. ok=false means the item carries no
// usable title and should be counted as a parse failure.
func Item(it source.Item, now time.Time) (Candidate, bool) {
	title := strings.TrimSpace(it.Title)
	if title == "" {
		return Candidate{}, false
	}

	c := Candidate{
		WorkKind:    workKindOrDefault(it.WorkKind),
		Platform:    strings.TrimSpace(it.Platform),
		ReleaseDate: it.Published,
		Source:      it.Source,
		SourceURL:   strings.TrimSpace(it.URL),
		Description: strings.TrimSpace(it.Description),
		Tags:        it.Tags,
	}
	if c.Platform == "" {
		c.Platform = it.Source
	}
	if c.ReleaseDate.IsZero() {
		c.ReleaseDate = now
	}
	// Date-only resolution: the dedup key treats same-day re-emissions as one release.
	c.ReleaseDate = c.ReleaseDate.UTC().Truncate(24 * time.Hour)

	// Structured hints from the source win over title parsing.
	switch {
	case it.EpisodeNumber != "":
		c.WorkTitle = title
		c.ReleaseKind = KindEpisode
		c.Number = it.EpisodeNumber
	case it.VolumeNumber != "":
		c.WorkTitle = title
		c.ReleaseKind = KindVolume
		c.Number = it.VolumeNumber
	default:
		c.WorkTitle, c.ReleaseKind, c.Number = parseTitle(title, c.WorkKind)
	}

	c.WorkTitle = strings.TrimSpace(strings.Trim(c.WorkTitle, "-–—:：【】[]「」"))
	if c.WorkTitle == "" {
		c.WorkTitle = title
	}
	return c, true
}

// parseTitle extracts (work title, release kind, number) from a loosely
// structured title using the source-agnostic pattern table. A title that
// matches nothing keeps its full text as the work title with a
// kind-appropriate default release kind and an empty number.
func parseTitle(title, workKind string) (string, ReleaseKind, string) {
	for _, p := range titlePatterns {
		m := p.re.FindStringSubmatch(title)
		if m == nil {
			continue
		}
		work := strings.TrimSpace(m[1])
		num := fullWidthDigits.Replace(strings.TrimSpace(m[2]))
		kind := p.kind
		if specialPattern.MatchString(title) {
			kind = KindSpecial
		}
		return work, kind, num
	}

	if specialPattern.MatchString(title) {
		work := strings.TrimSpace(specialPattern.ReplaceAllString(title, ""))
		// The matched word itself is the opaque label.
		label := strings.TrimSpace(specialPattern.FindString(title))
		return work, KindSpecial, label
	}

	return title, defaultKind(workKind), ""
}

func defaultKind(workKind string) ReleaseKind {
	if workKind == "manga" {
		return KindVolume
	}
	return KindEpisode
}

func workKindOrDefault(k string) string {
	switch k {
	case "anime", "manga":
		return k
	default:
		return "anime"
	}
}
