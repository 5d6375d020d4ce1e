package types

// EventMessage is one inbound push frame. Data is the decoded JSON
// payload; its concrete shape depends on Type.
type EventMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Mutator translates one inbound event into a cache update. Mutators
// must go through store.Apply / store.Invalidate so per-key ordering is
// preserved; they never fetch.
type Mutator func(store CacheStore, data interface{}) error

// PushChannel is a long-lived server-to-client event connection bound
// to one feature area.
type PushChannel interface {
	LifecycleManager
	Topics() []string
}
