package instance

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"realmkeeper.ai/internal/engine"
)

const (
	SourceGenerated = "GENERATED"
	SourceConvert   = "CONVERT"

	// Unbounded marks an instance whose border never grows and which is
	// ignored by expansion and slot bookkeeping.
	Unbounded = -1

	VisitorWindow = 7

	DefaultFolderPrefix = "my_world"
)

var ErrNotFound = errors.New("instance not found")

type Instance struct {
	UUID   uuid.UUID `json:"uuid"`
	Name   string    `json:"name"`
	Owner  string    `json:"owner"`
	Folder string    `json:"folder"`

	Archived bool   `json:"archived"`
	Source   string `json:"source"`

	ExpireDate     time.Time `json:"expire_date"`
	ExpansionLevel int       `json:"expansion_level"`

	BorderCenter *engine.Location `json:"border_center,omitempty"`
	GuestSpawn   *engine.Location `json:"guest_spawn,omitempty"`
	MemberSpawn  *engine.Location `json:"member_spawn,omitempty"`

	Credits  int64              `json:"credits"`
	Visitors [VisitorWindow]int `json:"visitors"`
	Members  []string           `json:"members,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FolderName is the on-disk directory of a managed (non-converted) instance.
func FolderName(prefix string, id uuid.UUID) string {
	if prefix == "" {
		prefix = DefaultFolderPrefix
	}
	return prefix + "." + id.String()
}

func (i Instance) IsUnbounded() bool { return i.ExpansionLevel == Unbounded }

func (i Instance) Expired(now time.Time) bool {
	return !i.ExpireDate.IsZero() && !now.Before(i.ExpireDate)
}

// IsMember reports whether id is the owner or a listed member.
func (i Instance) IsMember(id string) bool {
	if id == "" {
		return false
	}
	if id == i.Owner {
		return true
	}
	for _, m := range i.Members {
		if m == id {
			return true
		}
	}
	return false
}

// RotateVisitors drops the oldest day and opens a fresh one at index 0.
func (i *Instance) RotateVisitors() {
	copy(i.Visitors[1:], i.Visitors[:VisitorWindow-1])
	i.Visitors[0] = 0
}

func (i *Instance) RecordVisit() { i.Visitors[0]++ }

func (i Instance) TotalVisitors() int {
	n := 0
	for _, v := range i.Visitors {
		n += v
	}
	return n
}

// BindLocations fills in the world of stored coordinates that were persisted
// without one. It reports whether anything changed.
func (i *Instance) BindLocations() bool {
	changed := false
	for _, loc := range []*engine.Location{i.BorderCenter, i.GuestSpawn, i.MemberSpawn} {
		if loc != nil && loc.World == "" {
			loc.World = i.Folder
			changed = true
		}
	}
	return changed
}

// Registry is the keyed store of instance records.
type Registry interface {
	FindByID(id uuid.UUID) (Instance, error)
	FindByFolder(folder string) (Instance, error)
	FindAll() ([]Instance, error)
	Save(inst Instance) error
	Delete(id uuid.UUID) error
}

// SlotLedger tracks how many instance slots each owner has been granted.
type SlotLedger interface {
	GrantedSlots(owner string) (int, error)
	AdjustGrantedSlots(owner string, delta int) (int, error)
}
