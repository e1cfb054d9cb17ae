package udev

import (
	"sort"

	"github.com/ydb-platform/storage-manager/internal/mux"
)

// Source answers record lookups. It is the only view of the system the
// populators get.
type Source interface {
	// Record returns the current record of the device with the given kernel
	// name.
	Record(Id) (Record, bool)
	// Records returns every known record ordered by sysfs path.
	Records() []Record
}

type Event interface {
	Record() Record
	Action() string
	eventSealed()
}

type Added struct {
	Rec Record
}

func (e Added) Record() Record { return e.Rec }
func (Added) Action() string   { return ActionAdd }
func (Added) eventSealed()     {}

// Changed supersedes the previous record of the same device.
type Changed struct {
	Rec Record
}

func (e Changed) Record() Record { return e.Rec }
func (Changed) Action() string   { return ActionChange }
func (Changed) eventSealed()     {}

type Removed struct {
	Rec Record
}

func (e Removed) Record() Record { return e.Rec }
func (Removed) Action() string   { return ActionRemove }
func (Removed) eventSealed()     {}

// Discovery is a Source that is kept current by uevents. Subscribers get the
// events after the source state has been updated.
type Discovery interface {
	Source
	mux.Source[Event]
	Close()
}

// MemorySource is a Source over a fixed set of records that can be edited
// between discovery passes.
type MemorySource struct {
	records map[Id]Record
}

func NewMemorySource(records ...Record) *MemorySource {
	s := &MemorySource{records: make(map[Id]Record)}
	for _, r := range records {
		s.Put(r)
	}
	return s
}

func (s *MemorySource) Put(r Record) {
	s.records[r.Id()] = r
}

func (s *MemorySource) Delete(id Id) {
	delete(s.records, id)
}

func (s *MemorySource) Record(id Id) (Record, bool) {
	r, ok := s.records[id]
	return r, ok
}

func (s *MemorySource) Records() []Record {
	return sortedRecords(s.records)
}

func sortedRecords(records map[Id]Record) []Record {
	res := make([]Record, 0, len(records))
	for _, r := range records {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].SysfsPath() < res[j].SysfsPath() })
	return res
}
