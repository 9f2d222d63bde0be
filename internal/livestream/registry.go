package livestream

import (
	"sort"
	"sync"
)

type registryEntry struct {
	mu  sync.Mutex
	job *Job
}

// Registry is the concurrent table of stream id to job. Access to one entry
// is serialised by that entry's mutex; distinct ids never contend.
type Registry struct {
	entries sync.Map // int64 -> *registryEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// TryInsert stores job unless an entry already exists for its id. On
// conflict the existing job's view is returned with ok set to false.
func (r *Registry) TryInsert(job *Job) (View, bool) {
	entry := &registryEntry{job: job}
	actual, loaded := r.entries.LoadOrStore(job.ID, entry)
	if !loaded {
		return View{}, true
	}
	existing := actual.(*registryEntry)
	existing.mu.Lock()
	defer existing.mu.Unlock()
	return existing.job.view(), false
}

// WithEntry runs fn with exclusive access to the job stored under id. It
// reports false when no entry exists.
func (r *Registry) WithEntry(id int64, fn func(*Job)) bool {
	value, ok := r.entries.Load(id)
	if !ok {
		return false
	}
	entry := value.(*registryEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	fn(entry.job)
	return true
}

// Current returns the job stored under id.
func (r *Registry) Current(id int64) (*Job, bool) {
	value, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*registryEntry).job, true
}

// WithJob runs fn with exclusive access to job, provided job is still the
// one stored under its id. A trigger left over from an earlier run of the
// same stream gets false and never touches the current run.
func (r *Registry) WithJob(job *Job, fn func(*Job)) bool {
	value, ok := r.entries.Load(job.ID)
	if !ok {
		return false
	}
	entry := value.(*registryEntry)
	if entry.job != job {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	fn(job)
	return true
}

// RemoveJob deletes the entry holding job. Entries for later runs of the
// same id are left alone.
func (r *Registry) RemoveJob(job *Job) bool {
	value, ok := r.entries.Load(job.ID)
	if !ok || value.(*registryEntry).job != job {
		return false
	}
	return r.entries.CompareAndDelete(job.ID, value)
}

// Remove deletes the entry for id and returns its job.
func (r *Registry) Remove(id int64) (*Job, bool) {
	value, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	entry := value.(*registryEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job, true
}

// SnapshotForOwner returns views of every job belonging to owner, ordered by
// descending id.
func (r *Registry) SnapshotForOwner(owner string) []View {
	views := make([]View, 0)
	r.entries.Range(func(_, value any) bool {
		entry := value.(*registryEntry)
		entry.mu.Lock()
		if entry.job.Owner == owner {
			views = append(views, entry.job.view())
		}
		entry.mu.Unlock()
		return true
	})
	sortViews(views)
	return views
}

// Snapshot returns views of every job in the registry.
func (r *Registry) Snapshot() []View {
	views := make([]View, 0)
	r.entries.Range(func(_, value any) bool {
		entry := value.(*registryEntry)
		entry.mu.Lock()
		views = append(views, entry.job.view())
		entry.mu.Unlock()
		return true
	})
	sortViews(views)
	return views
}

// IDs lists the ids currently present in the registry.
func (r *Registry) IDs() []int64 {
	var ids []int64
	r.entries.Range(func(key, _ any) bool {
		ids = append(ids, key.(int64))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	count := 0
	r.entries.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func sortViews(views []View) {
	sort.Slice(views, func(i, j int) bool { return views[i].ID > views[j].ID })
}
