package mapping

import (
	"sort"
)

// Per-request limits of a typical Modbus implementation.
const (
	MaxWordsPerRead = 125
	MaxBitsPerRead  = 2000
)

// Group is a contiguous run of mappings on one slave and one register
// class, read with a single bulk request.
type Group struct {
	SlaveID      uint8
	RegisterType RegisterType
	StartAddress uint16
	Count        uint16
	Mappings     []*Mapping // ascending by address, definition order on ties
}

// EndAddress is the last address the group covers.
func (g *Group) EndAddress() uint16 {
	return g.StartAddress + g.Count - 1
}

// Slice returns the subrange of the group's read buffer belonging to m.
func (g *Group) Slice(words []uint16, m *Mapping) []uint16 {
	offset := m.Address - g.StartAddress
	return words[offset : offset+m.RegisterCount]
}

// BuildGroups splits the mappings of one slave into minimal contiguous
// groups. Mappings are swept in (register class, address) order; a new
// group starts on a class change, an address gap, or when the per-request
// limit would be exceeded. TakeBit mappings aimed at distinct bits of the
// same word share that word within one group.
func BuildGroups(slaveID uint8, mappings []*Mapping) []*Group {
	sorted := make([]*Mapping, len(mappings))
	copy(sorted, mappings)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].RegisterType != sorted[j].RegisterType {
			return sorted[i].RegisterType < sorted[j].RegisterType
		}
		return sorted[i].Address < sorted[j].Address
	})

	var groups []*Group
	var current *Group
	for _, m := range sorted {
		limit := uint16(MaxWordsPerRead)
		if m.RegisterType.IsBit() {
			limit = MaxBitsPerRead
		}
		if current != nil &&
			current.RegisterType == m.RegisterType &&
			m.Address <= current.EndAddress()+1 {
			end := current.EndAddress()
			if m.EndAddress() > end {
				end = m.EndAddress()
			}
			if end-current.StartAddress+1 <= limit {
				current.Count = end - current.StartAddress + 1
				current.Mappings = append(current.Mappings, m)
				continue
			}
		}
		current = &Group{
			SlaveID:      slaveID,
			RegisterType: m.RegisterType,
			StartAddress: m.Address,
			Count:        m.RegisterCount,
			Mappings:     []*Mapping{m},
		}
		groups = append(groups, current)
	}
	return groups
}
