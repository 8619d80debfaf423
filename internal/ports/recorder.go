package ports

import "github.com/alejandrodnm/predictledger/internal/domain"

// Recorder receives operational counters.
type Recorder interface {
	MutationCommitted(kind domain.MutationKind)
	MutationRejected(kind domain.MutationKind, reason domain.ErrorKind)
	FallbackUsed(op string)
	StorageUnavailable(op string)
	Degraded(on bool)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) MutationCommitted(domain.MutationKind)                  {}
func (NopRecorder) MutationRejected(domain.MutationKind, domain.ErrorKind) {}
func (NopRecorder) FallbackUsed(string)                                    {}
func (NopRecorder) StorageUnavailable(string)                              {}
func (NopRecorder) Degraded(bool)                                          {}
