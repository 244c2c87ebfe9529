package notify

import (
	"fmt"
	"strings"

	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/store"
)

func releaseLabel(r store.Release) string {
	switch r.ReleaseKind {
	case "episode":
		if r.Number != "" {
			return "第" + r.Number + "話"
		}
		return "新着エピソード"
	case "volume":
		if r.Number != "" {
			return "第" + r.Number + "巻"
		}
		return "新刊"
	case "special":
		if r.Number != "" {
			return r.Number
		}
		return "特別編"
	default:
		return r.Number
	}
}

func renderSubject(r store.Release) string {
	return fmt.Sprintf("【新着】%s %s", r.WorkTitle, releaseLabel(r))
}

func renderBody(r store.Release) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s の%sが公開されました。\n", r.WorkTitle, releaseLabel(r))
	fmt.Fprintf(&b, "配信日: %s\n", r.ReleaseDate.Format("2006-01-02"))
	if r.Platform != "" {
		fmt.Fprintf(&b, "配信先: %s\n", r.Platform)
	}
	if r.SourceURL != "" {
		fmt.Fprintf(&b, "詳細: %s\n", r.SourceURL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// eventDedupKey identifies a release externally: source URL + date, falling
// back to the identity tuple when the source gave no URL.
func eventDedupKey(r store.Release) string {
	date := r.ReleaseDate.Format("2006-01-02")
	if r.SourceURL != "" {
		return r.SourceURL + "|" + date
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", r.WorkTitle, r.ReleaseKind, r.Number, r.Platform, date)
}
