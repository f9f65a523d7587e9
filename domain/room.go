package domain

type RoomID string

// Room tracks membership by connection id. Creation happens on first
// join; deletion is the registry's concern (grace period applies there,
// not here).
type Room struct {
	ID      RoomID
	members map[ConnID]struct{}
}

func NewRoom(id RoomID) *Room {
	return &Room{
		ID:      id,
		members: make(map[ConnID]struct{}),
	}
}

func (r *Room) Join(id ConnID) {
	r.members[id] = struct{}{}
}

func (r *Room) Leave(id ConnID) {
	delete(r.members, id)
}

func (r *Room) Has(id ConnID) bool {
	_, ok := r.members[id]
	return ok
}

func (r *Room) Empty() bool {
	return len(r.members) == 0
}

func (r *Room) Size() int {
	return len(r.members)
}

// MemberIDs returns a snapshot of the current member set.
func (r *Room) MemberIDs() []ConnID {
	ids := make([]ConnID, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}
