package status

import "fmt"

// Status is the lifecycle state of a task.
type Status int32

const (
	Queued Status = iota
	Resolving
	Downloading
	Paused
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "Queued"
	case Resolving:
		return "Resolving"
	case Downloading:
		return "Downloading"
	case Paused:
		return "Paused"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Cancelled
}

// IsActive reports whether the task currently holds a worker slot.
func (s Status) IsActive() bool {
	return s == Resolving || s == Downloading
}

func (s Status) MarshalText() ([]byte, error) {
	if s < Queued || s > Cancelled {
		return nil, fmt.Errorf("invalid status %d", int32(s))
	}

	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for v := Queued; v <= Cancelled; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}

	return fmt.Errorf("unknown status %q", b)
}
