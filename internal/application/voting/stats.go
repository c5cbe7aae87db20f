package voting

import (
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"
)

// standing is one author's line in the stats message.
type standing struct {
	AuthorID int64
	Name     string
	Sum      int
}

// rank groups sums by author and sorts them descending; equal sums keep
// author id order.
func rank(sums map[int64]int) []standing {
	out := make([]standing, 0, len(sums))
	for author, sum := range sums {
		out = append(out, standing{AuthorID: author, Sum: sum})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sum != out[j].Sum {
			return out[i].Sum > out[j].Sum
		}
		return out[i].AuthorID < out[j].AuthorID
	})
	return out
}

var (
	pseudonymAdjectives = []string{"Velvet", "Hollow", "Amber", "Silent", "Crimson", "Lunar", "Static", "Paper", "Frozen", "Neon", "Quiet", "Rusty"}
	pseudonymNouns      = []string{"Heron", "Lantern", "Comet", "Fox", "Harbor", "Violin", "Moth", "Anchor", "Cactus", "Drum", "Otter", "Prism"}
)

// pseudonyms hands out one cryptic name per user, shuffled once per round.
type pseudonyms struct {
	mu       sync.Mutex
	pool     []string
	assigned map[int64]string
}

func newPseudonyms() *pseudonyms {
	return &pseudonyms{assigned: make(map[int64]string)}
}

func (p *pseudonyms) Reset(rng *rand.Rand) {
	pool := make([]string, 0, len(pseudonymAdjectives)*len(pseudonymNouns))
	for _, a := range pseudonymAdjectives {
		for _, n := range pseudonymNouns {
			pool = append(pool, a+" "+n)
		}
	}
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pool = pool
	p.assigned = make(map[int64]string)
}

func (p *pseudonyms) Name(userID int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name, ok := p.assigned[userID]; ok {
		return name
	}
	var name string
	if len(p.pool) > 0 {
		name = p.pool[0]
		p.pool = p.pool[1:]
	} else {
		name = "Mystery #" + strconv.Itoa(len(p.assigned)+1)
	}
	p.assigned[userID] = name
	return name
}

// throttle coalesces bursts of calls into at most one run per interval.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	timer    *time.Timer
	fn       func()
}

func newThrottle(interval time.Duration, fn func()) *throttle {
	return &throttle{interval: interval, fn: fn}
}

func (t *throttle) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		return
	}
	wait := t.interval - time.Since(t.last)
	if wait < 0 {
		wait = 0
	}
	t.timer = time.AfterFunc(wait, func() {
		t.mu.Lock()
		t.timer = nil
		t.last = time.Now()
		t.mu.Unlock()
		t.fn()
	})
}

func (t *throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// walker runs walk in the background; requests made while a walk is running
// collapse into one more pass.
type walker struct {
	mu      sync.Mutex
	running bool
	dirty   bool
	wg      sync.WaitGroup
	walk    func()
}

func (w *walker) Request() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.dirty = true
		return
	}
	w.running = true
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			w.walk()
			w.mu.Lock()
			if !w.dirty {
				w.running = false
				w.mu.Unlock()
				return
			}
			w.dirty = false
			w.mu.Unlock()
		}
	}()
}

func (w *walker) Wait() {
	w.wg.Wait()
}
