package contacts

import (
	"errors"
	"testing"
	"time"
)

func TestBuildResolvedClusterOrdersAndDeduplicates(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	primary := Contact{
		ID:             1,
		Email:          stringPointer("lorraine@hillvalley.edu"),
		PhoneNumber:    stringPointer("123456"),
		LinkPrecedence: LinkPrecedencePrimary,
		CreatedAt:      base,
	}
	cluster := []Contact{
		{
			ID:             23,
			Email:          stringPointer("mcfly@hillvalley.edu"),
			PhoneNumber:    stringPointer("123456"),
			LinkedID:       uintPointer(1),
			LinkPrecedence: LinkPrecedenceSecondary,
			CreatedAt:      base.Add(2 * time.Hour),
		},
		{
			ID:             7,
			Email:          stringPointer("lorraine@hillvalley.edu"),
			PhoneNumber:    stringPointer("717171"),
			LinkedID:       uintPointer(1),
			LinkPrecedence: LinkPrecedenceSecondary,
			CreatedAt:      base.Add(time.Hour),
		},
		primary,
	}

	resolved, err := BuildResolvedCluster(cluster)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.PrimaryContactID != 1 {
		t.Fatalf("expected primary 1, got %d", resolved.PrimaryContactID)
	}
	if !equalStrings(resolved.Emails, []string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"}) {
		t.Fatalf("unexpected emails %v", resolved.Emails)
	}
	if !equalStrings(resolved.PhoneNumbers, []string{"123456", "717171"}) {
		t.Fatalf("unexpected phone numbers %v", resolved.PhoneNumbers)
	}
	if !equalIDs(resolved.SecondaryContactIDs, []uint{7, 23}) {
		t.Fatalf("unexpected secondary ids %v", resolved.SecondaryContactIDs)
	}
}

func TestBuildResolvedClusterListsPrimaryValuesFirst(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	resolved, err := BuildResolvedCluster([]Contact{
		{ID: 2, Email: stringPointer("second@x.com"), LinkedID: uintPointer(5), LinkPrecedence: LinkPrecedenceSecondary, CreatedAt: base},
		{ID: 5, Email: stringPointer("primary@x.com"), LinkPrecedence: LinkPrecedencePrimary, CreatedAt: base.Add(time.Minute)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !equalStrings(resolved.Emails, []string{"primary@x.com", "second@x.com"}) {
		t.Fatalf("expected primary email first, got %v", resolved.Emails)
	}
}

func TestBuildResolvedClusterRequiresExactlyOnePrimary(t *testing.T) {
	testCases := []struct {
		name     string
		cluster  []Contact
		wantCode string
	}{
		{
			name:     "empty",
			cluster:  nil,
			wantCode: "contacts.build_resolved_cluster.missing_primary",
		},
		{
			name: "only-secondaries",
			cluster: []Contact{
				{ID: 1, Email: stringPointer("a@x.com"), LinkedID: uintPointer(9), LinkPrecedence: LinkPrecedenceSecondary},
			},
			wantCode: "contacts.build_resolved_cluster.missing_primary",
		},
		{
			name: "two-primaries",
			cluster: []Contact{
				{ID: 1, Email: stringPointer("a@x.com"), LinkPrecedence: LinkPrecedencePrimary},
				{ID: 2, Email: stringPointer("b@x.com"), LinkPrecedence: LinkPrecedencePrimary},
			},
			wantCode: "contacts.build_resolved_cluster.multiple_primaries",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := BuildResolvedCluster(testCase.cluster)
			if !errors.Is(err, ErrDataIntegrity) {
				t.Fatalf("expected data integrity error, got %v", err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != testCase.wantCode {
				t.Fatalf("expected code %s, got %v", testCase.wantCode, err)
			}
		})
	}
}
