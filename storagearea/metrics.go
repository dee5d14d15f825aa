package storagearea

// Metrics receives cache events. Implementations must be safe for concurrent use.
type Metrics interface {
	Hit(area string)
	Miss(area string)

	// Notification is called for every change batch a cache receives; applied is
	// false when the batch was for another area.
	Notification(area string, applied bool)

	// Failure is called when a provider call fails. op is one of
	// "prime", "set", "remove" or "clear".
	Failure(area, op string)

	Size(area string, entries int)
}

// NoopMetrics is the default Metrics. It does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit(string)                {}
func (NoopMetrics) Miss(string)               {}
func (NoopMetrics) Notification(string, bool) {}
func (NoopMetrics) Failure(string, string)    {}
func (NoopMetrics) Size(string, int)          {}

var _ Metrics = NoopMetrics{}
