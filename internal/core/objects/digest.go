package objects

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Digest hashes the visible state of every object. Two pools that have
// converged produce the same digest regardless of the order in which they
// applied operations. Site serials and tombstoned entries are not included.
func (p *Pool) Digest() uint64 {
	h := xxhash.New()
	for _, id := range p.IDs() {
		obj := p.objects[id]
		_, _ = h.WriteString(id)
		_, _ = h.WriteString("\x00")
		if obj.IsTombstoned() {
			_, _ = h.WriteString("tombstone\x00")
			continue
		}
		switch o := obj.(type) {
		case *Map:
			_, _ = h.WriteString("map\x00")
			for _, k := range o.Keys() {
				_, _ = h.WriteString(k)
				_, _ = h.WriteString("=")
				_, _ = h.WriteString(describeData(o.entries[k].data))
				_, _ = h.WriteString("\x00")
			}
		case *Counter:
			_, _ = h.WriteString("counter\x00")
			_, _ = h.WriteString(strconv.FormatFloat(o.data, 'g', -1, 64))
			_, _ = h.WriteString("\x00")
		}
	}
	return h.Sum64()
}
