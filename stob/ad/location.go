package ad

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	locationType   = "adstob"
	locationSegTag = "seg="
)

// ErrLocation is returned when domain location string can't be parsed.
var ErrLocation = errors.New("invalid domain location")

// Location identifies the AD domain: segment holding its state and the key of the descriptor in the segment
// dictionary.
type Location struct {
	Seg uuid.UUID
	Key string
}

// String returns the location in the form adstob:seg=<uuid>,<key>.
func (l Location) String() string {
	return fmt.Sprintf("%s:%s%s,%s", locationType, locationSegTag, l.Seg, l.Key)
}

// dictName returns the name of the segment dictionary entry holding the domain descriptor.
func (l Location) dictName() string {
	return "ad/" + l.Key
}

// ParseLocation parses location string.
func ParseLocation(location string) (Location, error) {
	t, rest, ok := strings.Cut(location, ":")
	if !ok || t != locationType {
		return Location{}, errors.Wrapf(ErrLocation, "unknown type in %q", location)
	}
	rest, ok = strings.CutPrefix(rest, locationSegTag)
	if !ok {
		return Location{}, errors.Wrapf(ErrLocation, "segment is missing in %q", location)
	}
	segID, key, ok := strings.Cut(rest, ",")
	if !ok || key == "" {
		return Location{}, errors.Wrapf(ErrLocation, "key is missing in %q", location)
	}
	id, err := uuid.Parse(segID)
	if err != nil {
		return Location{}, errors.Wrapf(ErrLocation, "invalid segment ID in %q: %s", location, err)
	}
	return Location{Seg: id, Key: key}, nil
}
