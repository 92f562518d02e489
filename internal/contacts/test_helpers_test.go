package contacts

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/locking"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stepClock struct {
	mu      sync.Mutex
	current time.Time
}

func newStepClock() *stepClock {
	return &stepClock{current: time.Unix(1700000000, 0).UTC()}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "contacts.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Contact{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *gorm.DB, *stepClock) {
	t.Helper()
	db := openTestDatabase(t)
	clock := newStepClock()
	store, err := NewStore(StoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db, clock
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	store, db, _ := newTestStore(t)
	service, err := NewService(ServiceConfig{
		Store:  store,
		Locker: locking.NewLocalLocker(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db
}

func mustRequest(t *testing.T, email, phone string) IdentifyRequest {
	t.Helper()
	request, err := NewIdentifyRequest(email, phone)
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	return request
}

func mustIdentify(t *testing.T, service *Service, email, phone string) Resolution {
	t.Helper()
	resolution, err := service.Identify(t.Context(), mustRequest(t, email, phone))
	if err != nil {
		t.Fatalf("identify(%q, %q) failed: %v", email, phone, err)
	}
	return resolution
}

func seedContact(t *testing.T, db *gorm.DB, contact Contact) Contact {
	t.Helper()
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = time.Unix(1600000000, 0).UTC()
	}
	if contact.UpdatedAt.IsZero() {
		contact.UpdatedAt = contact.CreatedAt
	}
	if err := db.Create(&contact).Error; err != nil {
		t.Fatalf("failed to seed contact: %v", err)
	}
	return contact
}

func loadAllContacts(t *testing.T, db *gorm.DB) []Contact {
	t.Helper()
	var all []Contact
	if err := db.Unscoped().Order("id ASC").Find(&all).Error; err != nil {
		t.Fatalf("failed to load contacts: %v", err)
	}
	return all
}

func countContacts(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Contact{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count contacts: %v", err)
	}
	return count
}

func assertFlattened(t *testing.T, db *gorm.DB) {
	t.Helper()
	byID := make(map[uint]Contact)
	all := loadAllContacts(t, db)
	for _, contact := range all {
		byID[contact.ID] = contact
	}
	for _, contact := range all {
		if contact.IsPrimary() {
			if contact.LinkedID != nil {
				t.Fatalf("primary %d carries linked id %d", contact.ID, *contact.LinkedID)
			}
			continue
		}
		if contact.LinkedID == nil {
			t.Fatalf("secondary %d has no linked id", contact.ID)
		}
		target, ok := byID[*contact.LinkedID]
		if !ok || !target.IsPrimary() {
			t.Fatalf("secondary %d links to non-primary %d", contact.ID, *contact.LinkedID)
		}
	}
}

func stringPointer(value string) *string {
	return &value
}

func uintPointer(value uint) *uint {
	return &value
}

func equalStrings(left, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}

func equalIDs(left, right []uint) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
