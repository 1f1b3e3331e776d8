package room

// colorPalette is the fixed set of display colors handed to collaborators.
var colorPalette = []string{
	"#e53935", // red
	"#1e88e5", // blue
	"#43a047", // green
	"#fb8c00", // orange
	"#8e24aa", // purple
	"#00897b", // teal
	"#fdd835", // yellow
	"#d81b60", // pink
}

// colorPool assigns palette entries round-robin and frees them on leave, so
// a long-lived room does not drift toward a single color once the palette
// wraps.
type colorPool struct {
	usage []int
	next  int
}

func newColorPool() *colorPool {
	return &colorPool{usage: make([]int, len(colorPalette))}
}

// acquire returns the next unused color in round-robin order, falling back
// to the least-loaded slot when every color is taken.
func (p *colorPool) acquire() string {
	start := p.next
	chosen := start
	for offset := 0; offset < len(p.usage); offset++ {
		candidate := (start + offset) % len(p.usage)
		if p.usage[candidate] == 0 {
			chosen = candidate
			break
		}
		if p.usage[candidate] < p.usage[chosen] {
			chosen = candidate
		}
	}
	p.usage[chosen]++
	p.next = (chosen + 1) % len(p.usage)
	return colorPalette[chosen]
}

func (p *colorPool) release(token string) {
	for i, color := range colorPalette {
		if color == token && p.usage[i] > 0 {
			p.usage[i]--
			return
		}
	}
}
