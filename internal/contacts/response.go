package contacts

import "sort"

// ResolvedCluster is the externally visible summary of one identity.
type ResolvedCluster struct {
	PrimaryContactID    uint
	Emails              []string
	PhoneNumbers        []string
	SecondaryContactIDs []uint
}

// BuildResolvedCluster aggregates a cluster. The primary's values come first,
// followed by secondaries' values oldest first, each list de-duplicated in
// first-seen order. Exactly one primary must be present.
func BuildResolvedCluster(cluster []Contact) (ResolvedCluster, error) {
	members := make([]Contact, len(cluster))
	copy(members, cluster)
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].olderThan(members[j])
	})

	var primary *Contact
	secondaries := make([]Contact, 0, len(members))
	for index := range members {
		if !members[index].IsPrimary() {
			secondaries = append(secondaries, members[index])
			continue
		}
		if primary != nil {
			return ResolvedCluster{}, newServiceError(opBuild, "multiple_primaries",
				integrityError("cluster holds primaries %d and %d", primary.ID, members[index].ID))
		}
		primary = &members[index]
	}
	if primary == nil {
		return ResolvedCluster{}, newServiceError(opBuild, "missing_primary",
			integrityError("cluster of %d contacts has no primary", len(members)))
	}

	emails := newOrderedSet()
	phones := newOrderedSet()
	emails.add(primary.EmailValue())
	phones.add(primary.PhoneValue())

	secondaryIDs := make([]uint, 0, len(secondaries))
	for _, secondary := range secondaries {
		emails.add(secondary.EmailValue())
		phones.add(secondary.PhoneValue())
		secondaryIDs = append(secondaryIDs, secondary.ID)
	}

	return ResolvedCluster{
		PrimaryContactID:    primary.ID,
		Emails:              emails.values(),
		PhoneNumbers:        phones.values(),
		SecondaryContactIDs: secondaryIDs,
	}, nil
}

// orderedSet keeps non-empty strings in first-insertion order without duplicates.
type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(value string) {
	if value == "" {
		return
	}
	if _, ok := s.seen[value]; ok {
		return
	}
	s.seen[value] = struct{}{}
	s.items = append(s.items, value)
}

func (s *orderedSet) values() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}
