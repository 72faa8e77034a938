package device

import (
	"errors"
	"fmt"
)

// ErrNoSelection is returned when a selection names no usable device.
var ErrNoSelection = errors.New("no devices selected")

// Selection picks devices out of the ones available.
type Selection struct {
	Type      Type
	Available int   // devices present, ids 0..Available-1
	UseAll    bool  // ignore IDs and take every device
	IDs       []int // explicit ids when UseAll is false
	Tuning    Tuning
}

// Select returns a descriptor per selected device, and the requested ids that
// were out of range and therefore ignored. An empty id list selects all.
func Select(s Selection) ([]Descriptor, []int, error) {
	var (
		picked  []int
		ignored []int
	)
	if s.UseAll || len(s.IDs) == 0 {
		for id := 0; id < s.Available; id++ {
			picked = append(picked, id)
		}
	} else {
		seen := make(map[int]bool, len(s.IDs))
		for _, id := range s.IDs {
			if id < 0 || id >= s.Available {
				ignored = append(ignored, id)
				continue
			}
			if !seen[id] {
				seen[id] = true
				picked = append(picked, id)
			}
		}
	}
	if len(picked) == 0 {
		return nil, ignored, fmt.Errorf("%w (%d %s devices available)", ErrNoSelection, s.Available, s.Type)
	}

	out := make([]Descriptor, 0, len(picked))
	for _, id := range picked {
		out = append(out, Descriptor{
			ID:     id,
			Name:   fmt.Sprintf("%s-%d", s.Type, id),
			Type:   s.Type,
			Tuning: s.Tuning,
		})
	}
	return out, ignored, nil
}
