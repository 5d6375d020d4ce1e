package types

// LifecycleManager is implemented by every long-lived component.
type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}
