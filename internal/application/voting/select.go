package voting

import (
	"sort"

	"github.com/contest-hub/contest-hub/internal/domain/votable"
)

// dropAuthor removes the votables of excluded author when more than two
// candidates are left, giving the others a turn.
func dropAuthor(sealed []*votable.Votable, excluded *int64) []*votable.Votable {
	if excluded == nil || len(sealed) <= 2 {
		return sealed
	}
	out := make([]*votable.Votable, 0, len(sealed))
	for _, v := range sealed {
		if v.AuthorID != *excluded {
			out = append(out, v)
		}
	}
	return out
}

// topGroup returns the votables sharing the highest consolidated count,
// ordered by id.
func topGroup(sealed []*votable.Votable) ([]*votable.Votable, int) {
	if len(sealed) == 0 {
		return nil, 0
	}
	groups := make(map[int][]*votable.Votable)
	best := sealed[0].Votes()
	for _, v := range sealed {
		n := v.Votes()
		groups[n] = append(groups[n], v)
		if n > best {
			best = n
		}
	}
	group := groups[best]
	sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	return group, best
}
