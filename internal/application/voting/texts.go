package voting

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/contest-hub/contest-hub/internal/domain/votable"
)

var medals = []string{"🥇", "🥈", "🥉"}

func votingStartedText(noun string, count int, deadline time.Time) string {
	return fmt.Sprintf("Voting is open! %d %ss are waiting for your scores. Voting ends %s UTC.",
		count, noun, deadline.UTC().Format("Mon Jan 2 15:04"))
}

func statsText(noun string, standings []standing, finalized bool) string {
	var b strings.Builder
	if finalized {
		fmt.Fprintf(&b, "Final %s standings:\n", noun)
	} else {
		fmt.Fprintf(&b, "Current %s standings:\n", noun)
	}
	if len(standings) == 0 {
		b.WriteString("no votes yet")
		return b.String()
	}
	for i, s := range standings {
		mark := strconv.Itoa(i+1) + "."
		if i < len(medals) {
			mark = medals[i]
		}
		fmt.Fprintf(&b, "%s %s: %d\n", mark, s.Name, s.Sum)
	}
	return strings.TrimRight(b.String(), "\n")
}

func totalsText(noun string, sealed []*votable.Votable, names map[int64]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Voting is closed. Totals per %s:\n", noun)
	for _, v := range sealed {
		fmt.Fprintf(&b, "#%d by %s: %d\n", v.ID, names[v.AuthorID], v.Votes())
	}
	return strings.TrimRight(b.String(), "\n")
}

func singleWinnerText(noun, name string, votes int) string {
	return fmt.Sprintf("The winning %s is by %s with %d points. Congratulations!", noun, name, votes)
}

func tieText(noun string, names []string, votes int, chosen string) string {
	return fmt.Sprintf("It's a tie between %ss by %s with %d points each! The draw picked %s.",
		noun, strings.Join(names, ", "), votes, chosen)
}

// cardText renders the caption of a votable's container.
func cardText(noun string, v *votable.Votable, author string, indicator string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d", strings.ToUpper(noun[:1])+noun[1:], v.ID)
	if author != "" {
		fmt.Fprintf(&b, " by %s", author)
	}
	if text := strings.TrimSpace(v.Text); text != "" {
		b.WriteString("\n")
		b.WriteString(text)
	}
	if indicator != "" {
		b.WriteString("\n")
		b.WriteString(indicator)
	}
	return b.String()
}

// indicator shows one dot per voter while voting is open and the real values
// once the votable is sealed.
func indicator(v *votable.Votable, votes []*votable.Vote) string {
	if len(votes) == 0 {
		return "Votes: none yet"
	}
	if v.IsOpen() {
		return "Votes: " + strings.Repeat("•", len(votes))
	}
	parts := make([]string, 0, len(votes))
	for _, vote := range votes {
		parts = append(parts, strconv.Itoa(vote.Value))
	}
	return fmt.Sprintf("Votes: %s = %d", strings.Join(parts, " "), v.Votes())
}
